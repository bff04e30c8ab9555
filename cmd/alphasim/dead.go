package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openjobspec/alphasim/internal/backlog"
	"github.com/openjobspec/alphasim/internal/core"
)

// requeueDead moves the named specs (or all of them) from dead to the tail of
// q. Specs are appended to q before they leave dead, so a crash in between
// leaves a duplicate rather than losing anything.
func requeueDead(ctx context.Context, dead, q backlog.Queue, ids []string, all bool) (int, error) {
	specs, err := dead.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("read dead-letter queue: %w", err)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var move []core.JobSpec
	var moveIDs []string
	for _, s := range specs {
		if all || wanted[s.ID] {
			move = append(move, s)
			moveIDs = append(moveIDs, s.ID)
			delete(wanted, s.ID)
		}
	}
	for id := range wanted {
		slog.Warn("spec not found in dead-letter queue", "spec_id", id)
	}
	if len(move) == 0 {
		return 0, nil
	}

	if err := q.Append(ctx, move...); err != nil {
		return 0, fmt.Errorf("append to backlog: %w", err)
	}
	if _, err := dead.Remove(ctx, moveIDs...); err != nil {
		slog.Error("requeued specs are still in the dead-letter queue", "count", len(moveIDs), "error", err)
		return len(move), fmt.Errorf("remove from dead-letter queue: %w", err)
	}
	return len(move), nil
}
