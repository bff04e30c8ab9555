// Package inflight tracks simulations that have been submitted but not yet
// resolved, bounded by the concurrency limit.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/metrics"
)

// Remote is the subset of the remote client the set drives.
type Remote interface {
	Submit(ctx context.Context, spec core.JobSpec) (core.JobHandle, error)
	Poll(ctx context.Context, h core.JobHandle) (core.PollResult, error)
	FetchResult(ctx context.Context, h core.JobHandle, p core.PollResult) (core.JobResult, error)
}

// DeadLetter receives specs whose submission was abandoned.
type DeadLetter interface {
	Append(ctx context.Context, specs ...core.JobSpec) error
}

// Set holds at most Cap handles. Methods that call the remote service must be
// driven by one goroutine; Len and Handles are safe to call from others.
type Set struct {
	limit  int
	remote Remote
	dead   DeadLetter
	now    func() time.Time

	mu      sync.Mutex
	handles []core.JobHandle
}

// New creates a set admitting at most limit handles. A nil dead drops
// abandoned specs after logging them; a nil now uses time.Now.
func New(limit int, remote Remote, dead DeadLetter, now func() time.Time) *Set {
	if limit < 1 {
		limit = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Set{limit: limit, remote: remote, dead: dead, now: now}
}

// Cap returns the concurrency limit.
func (s *Set) Cap() int { return s.limit }

// Len returns the number of tracked handles.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Handles returns a copy of the tracked handles in tracking order.
func (s *Set) Handles() []core.JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.JobHandle, len(s.handles))
	copy(out, s.handles)
	return out
}

// TryAdmit submits spec if a slot is free. It reports false without side
// effects when the set is full. A submission that exhausts its retries moves
// the spec to the dead-letter queue and still reports true: the slot attempt
// is complete. Errors are fatal (authentication, cancellation, or a failed
// dead-letter write).
func (s *Set) TryAdmit(ctx context.Context, spec core.JobSpec) (bool, error) {
	if s.Len() >= s.limit {
		return false, nil
	}

	h, err := s.remote.Submit(ctx, spec)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrSubmissionFailed):
		return true, s.abandon(ctx, spec, err)
	default:
		return false, err
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	n := len(s.handles)
	s.mu.Unlock()

	metrics.Submitted.Inc()
	metrics.InFlight.Set(float64(n))
	return true, nil
}

func (s *Set) abandon(ctx context.Context, spec core.JobSpec, cause error) error {
	metrics.Abandoned.Inc()
	if s.dead == nil {
		slog.Error("simulation abandoned, spec dropped", "label", spec.Label(), "spec_id", spec.ID, "error", cause)
		return nil
	}
	if err := s.dead.Append(ctx, spec); err != nil {
		slog.Error("simulation abandoned and dead-letter write failed", "label", spec.Label(), "spec_id", spec.ID, "error", cause)
		return fmt.Errorf("dead-letter %s: %w", spec.ID, err)
	}
	slog.Error("simulation abandoned, spec moved to dead-letter queue", "label", spec.Label(), "spec_id", spec.ID, "error", cause)
	return nil
}

// ResolveReady polls every handle whose wait hint has elapsed and returns the
// results of those that finished, removing them from the set. Unfinished
// handles stay tracked in their original order. A handle whose final record
// cannot be fetched stays tracked and is retried on the next call.
//
// On a fatal error the results gathered so far are returned alongside it and
// the unvisited handles stay tracked.
func (s *Set) ResolveReady(ctx context.Context) ([]core.JobResult, error) {
	pending := s.Handles()
	results := make([]core.JobResult, 0)
	kept := make([]core.JobHandle, 0, len(pending))
	now := s.now()

	var fatal error
	for i, h := range pending {
		if fatal != nil {
			kept = append(kept, pending[i:]...)
			break
		}
		if h.NextPollAt.After(now) {
			kept = append(kept, h)
			continue
		}

		p, err := s.remote.Poll(ctx, h)
		if err != nil {
			fatal = err
			kept = append(kept, h)
			continue
		}
		h.Polls++
		if !p.Finished {
			h.NextPollAt = time.Time{}
			if p.RetryAfter > 0 {
				h.NextPollAt = now.Add(p.RetryAfter)
			}
			kept = append(kept, h)
			continue
		}

		res, err := s.remote.FetchResult(ctx, h, p)
		if err != nil {
			if errors.Is(err, core.ErrAuthFatal) || ctx.Err() != nil {
				fatal = err
			} else {
				slog.Warn("fetching result failed, will retry", "label", h.Label, "location", h.Location, "polls", h.Polls, "error", err)
			}
			h.NextPollAt = time.Time{}
			kept = append(kept, h)
			continue
		}

		metrics.Resolved.WithLabelValues(string(res.Status)).Inc()
		slog.Info("simulation resolved",
			"label", h.Label,
			"alpha", res.AlphaID,
			"status", res.Status,
			"polls", h.Polls,
			"elapsed", s.now().Sub(h.SubmittedAt).Round(time.Second).String(),
		)
		results = append(results, res)
	}

	s.mu.Lock()
	s.handles = kept
	s.mu.Unlock()
	metrics.InFlight.Set(float64(len(kept)))

	return results, fatal
}
