package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/alphasim/internal/core"
)

// ResultSubject carries every resolved result.
const ResultSubject = "alphasim.events.result"

// StatusSubject returns the per-status subject, e.g. alphasim.events.result.failed.
func StatusSubject(status core.JobStatus) string {
	return ResultSubject + "." + string(status)
}

// EventSink publishes results on NATS core subjects for downstream consumers.
// It does not own the connection.
type EventSink struct {
	nc *nats.Conn
}

func NewEventSink(nc *nats.Conn) *EventSink {
	return &EventSink{nc: nc}
}

func (s *EventSink) Append(_ context.Context, r core.JobResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := s.nc.Publish(ResultSubject, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	if err := s.nc.Publish(StatusSubject(r.Status), data); err != nil {
		slog.Error("failed to publish status event", "error", err, "status", r.Status)
	}
	return nil
}

// Subscribe calls fn for every result published on subject, which may carry
// wildcards. Messages are delivered on the connection's dispatch goroutine,
// one at a time. Unsubscribe or drain the returned subscription to stop.
func Subscribe(nc *nats.Conn, subject string, fn func(core.JobResult)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var r core.JobResult
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			slog.Error("failed to unmarshal result event", "subject", msg.Subject, "error", err)
			return
		}
		fn(r)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close flushes pending publishes.
func (s *EventSink) Close() error {
	return s.nc.Flush()
}
