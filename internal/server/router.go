// Package server exposes the scheduler's status over HTTP and gRPC health,
// and holds the process configuration.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/alphasim/internal/metrics"
	"github.com/openjobspec/alphasim/internal/scheduler"
)

// Status is what the router reads from the running process.
type Status interface {
	Snapshot() scheduler.Snapshot
}

// BacklogCounter reports queue depth.
type BacklogCounter interface {
	Len(ctx context.Context) (int, error)
}

type statusResponse struct {
	scheduler.Snapshot
	Backlog    int `json:"backlog"`
	DeadLetter int `json:"dead_letter"`
}

// NewRouter serves /healthz, /status and /metrics.
func NewRouter(status Status, queue, dead BacklogCounter) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		snap := status.Snapshot()
		code := http.StatusOK
		if snap.State == scheduler.StateDraining {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": snap.State})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{Snapshot: status.Snapshot(), Backlog: -1, DeadLetter: -1}
		if queue != nil {
			if n, err := queue.Len(req.Context()); err == nil {
				resp.Backlog = n
			}
		}
		if dead != nil {
			if n, err := dead.Len(req.Context()); err == nil {
				resp.DeadLetter = n
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Handle("/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
