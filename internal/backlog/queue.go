// Package backlog holds the durable, ordered queue of job specs that have not
// been handed to the scheduler yet.
//
// Every implementation removes drained entries atomically: after a crash the
// persisted queue either still holds a whole batch or none of it.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openjobspec/alphasim/internal/core"
)

// Queue is an ordered, persisted sequence of job specs.
type Queue interface {
	// Append adds specs at the tail, assigning IDs to specs without one.
	Append(ctx context.Context, specs ...core.JobSpec) error
	// Drain removes and returns up to n specs from the head in FIFO order.
	// An empty queue yields an empty slice and no error.
	Drain(ctx context.Context, n int) ([]core.JobSpec, error)
	// Restore puts specs back at the head, ahead of everything queued.
	Restore(ctx context.Context, specs ...core.JobSpec) error
	// Remove deletes the specs with the given IDs wherever they are queued
	// and reports how many records went.
	Remove(ctx context.Context, ids ...string) (int, error)
	// List returns every decodable spec without removing anything.
	List(ctx context.Context) ([]core.JobSpec, error)
	// Len returns the number of queued records.
	Len(ctx context.Context) (int, error)
}

// record is one persisted entry. Raw is kept so untouched entries are written
// back byte for byte.
type record struct {
	raw  []byte
	spec core.JobSpec
	err  error
}

func decodeRecord(raw []byte) record {
	r := record{raw: raw}
	if err := json.Unmarshal(raw, &r.spec); err != nil {
		r.err = fmt.Errorf("%w: %v", core.ErrMalformedRecord, err)
		return r
	}
	r.err = r.spec.Validate()
	return r
}

func encodeSpec(spec core.JobSpec) ([]byte, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec %q: %w", spec.Label(), err)
	}
	return data, nil
}

// withIDs returns a copy of specs with a UUIDv7 assigned where missing.
func withIDs(specs []core.JobSpec) []core.JobSpec {
	out := make([]core.JobSpec, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			s.ID = core.NewUUIDv7()
		}
		out[i] = s
	}
	return out
}

// take splits records into up to n valid specs from the head and the
// untouched remainder. Malformed records met before the cut are dropped and
// returned separately so the caller can log them.
func take(records []record, n int) (taken []core.JobSpec, malformed []record, rest []record) {
	i := 0
	for ; i < len(records) && len(taken) < n; i++ {
		if records[i].err != nil {
			malformed = append(malformed, records[i])
			continue
		}
		taken = append(taken, records[i].spec)
	}
	return taken, malformed, records[i:]
}

// without drops the records whose spec ID is in ids. Malformed records have
// no usable ID and are kept.
func without(records []record, ids []string) (kept []record, removed int) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept = make([]record, 0, len(records))
	for _, r := range records {
		if r.err == nil && drop[r.spec.ID] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	return kept, removed
}

func logMalformed(source string, malformed []record) {
	for _, r := range malformed {
		slog.Warn("skipping malformed backlog record",
			"source", source,
			"record", truncate(string(r.raw), 200),
			"error", r.err,
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
