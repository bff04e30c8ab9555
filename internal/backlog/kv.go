package backlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/kv"
)

// KVQueue keeps the whole queue as one JSON array under a single key of a
// NATS KV bucket. Every mutation is a compare-and-swap on the key's revision,
// so concurrent enqueuers and the scheduler never lose or duplicate entries.
//
// The array must fit the server's max_payload (1MB by default).
type KVQueue struct {
	store *kv.Store
	key   string
}

var _ Queue = (*KVQueue)(nil)

// NewKVQueue returns a queue stored under key.
func NewKVQueue(store *kv.Store, key string) *KVQueue {
	return &KVQueue{store: store, key: key}
}

func (q *KVQueue) Append(ctx context.Context, specs ...core.JobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	specs = withIDs(specs)
	return q.store.Swap(ctx, q.key, func(current []byte) ([]byte, error) {
		raws, err := decodeArray(current)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			line, err := encodeSpec(spec)
			if err != nil {
				return nil, err
			}
			raws = append(raws, line)
		}
		return json.Marshal(raws)
	})
}

func (q *KVQueue) Drain(ctx context.Context, n int) ([]core.JobSpec, error) {
	if n <= 0 {
		return []core.JobSpec{}, nil
	}
	var taken []core.JobSpec
	var malformed []record
	err := q.store.Swap(ctx, q.key, func(current []byte) ([]byte, error) {
		raws, err := decodeArray(current)
		if err != nil {
			return nil, err
		}
		var rest []record
		taken, malformed, rest = take(decodeAll(raws), n)
		if len(taken) == 0 && len(malformed) == 0 {
			return nil, kv.ErrUnchanged
		}
		remaining := make([]json.RawMessage, 0, len(rest))
		for _, r := range rest {
			remaining = append(remaining, r.raw)
		}
		return json.Marshal(remaining)
	})
	if err != nil {
		return nil, fmt.Errorf("backlog: drain %s: %w", q.key, err)
	}
	logMalformed("kv:"+q.key, malformed)
	if taken == nil {
		taken = []core.JobSpec{}
	}
	return taken, nil
}

func (q *KVQueue) Restore(ctx context.Context, specs ...core.JobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	specs = withIDs(specs)
	return q.store.Swap(ctx, q.key, func(current []byte) ([]byte, error) {
		raws, err := decodeArray(current)
		if err != nil {
			return nil, err
		}
		head := make([]json.RawMessage, 0, len(specs)+len(raws))
		for _, spec := range specs {
			line, err := encodeSpec(spec)
			if err != nil {
				return nil, err
			}
			head = append(head, line)
		}
		return json.Marshal(append(head, raws...))
	})
}

func (q *KVQueue) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed := 0
	err := q.store.Swap(ctx, q.key, func(current []byte) ([]byte, error) {
		raws, err := decodeArray(current)
		if err != nil {
			return nil, err
		}
		var kept []record
		kept, removed = without(decodeAll(raws), ids)
		if removed == 0 {
			return nil, kv.ErrUnchanged
		}
		remaining := make([]json.RawMessage, 0, len(kept))
		for _, r := range kept {
			remaining = append(remaining, r.raw)
		}
		return json.Marshal(remaining)
	})
	if err != nil {
		return 0, fmt.Errorf("backlog: remove from %s: %w", q.key, err)
	}
	return removed, nil
}

func (q *KVQueue) List(ctx context.Context) ([]core.JobSpec, error) {
	raws, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	specs := make([]core.JobSpec, 0, len(raws))
	for _, r := range decodeAll(raws) {
		if r.err == nil {
			specs = append(specs, r.spec)
		}
	}
	return specs, nil
}

func (q *KVQueue) Len(ctx context.Context) (int, error) {
	raws, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(raws), nil
}

func (q *KVQueue) load(ctx context.Context) ([]json.RawMessage, error) {
	var raws []json.RawMessage
	if _, err := q.store.GetJSON(ctx, q.key, &raws); err != nil {
		return nil, fmt.Errorf("backlog: get %s: %w", q.key, err)
	}
	return raws, nil
}

func decodeArray(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("backlog: queue value is not an array: %w", err)
	}
	return raws, nil
}

func decodeAll(raws []json.RawMessage) []record {
	records := make([]record, len(raws))
	for i, raw := range raws {
		records[i] = decodeRecord(raw)
	}
	return records
}
