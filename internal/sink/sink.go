// Package sink records resolved simulations.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openjobspec/alphasim/internal/core"
)

// Sink is an append-only destination for results. Entries are never rewritten.
type Sink interface {
	Append(ctx context.Context, r core.JobResult) error
	Close() error
}

// Tee writes every result to a primary sink and to zero or more mirrors.
// Only primary failures are returned; mirror failures are logged.
type Tee struct {
	primary Sink
	mirrors []Sink
}

// NewTee returns a sink fanning out to primary and mirrors.
func NewTee(primary Sink, mirrors ...Sink) *Tee {
	return &Tee{primary: primary, mirrors: mirrors}
}

func (t *Tee) Append(ctx context.Context, r core.JobResult) error {
	if err := t.primary.Append(ctx, r); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Append(ctx, r); err != nil {
			slog.Warn("mirroring result failed", "alpha", r.AlphaID, "label", r.Label, "error", err)
		}
	}
	return nil
}

func (t *Tee) Close() error {
	errs := []error{t.primary.Close()}
	for _, m := range t.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
