package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/alphasim/internal/scheduler"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
	if cfg.Tick != 3*time.Second {
		t.Errorf("Tick = %v, want 3s", cfg.Tick)
	}
	if cfg.SubmitAttempts != 36 || cfg.SubmitDelay != 5*time.Second {
		t.Errorf("submit policy = %d x %v, want 36 x 5s", cfg.SubmitAttempts, cfg.SubmitDelay)
	}
	if cfg.AuthTimeout != 300*time.Second {
		t.Errorf("AuthTimeout = %v, want 300s", cfg.AuthTimeout)
	}
	if cfg.Backlog != BacklogFile {
		t.Errorf("Backlog = %q, want file", cfg.Backlog)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ALPHASIM_CONCURRENCY", "8")
	t.Setenv("ALPHASIM_TICK", "500ms")
	t.Setenv("ALPHASIM_AUTH_TIMEOUT", "60")
	t.Setenv("ALPHASIM_BACKLOG", "nats")
	t.Setenv("ALPHASIM_EXIT_WHEN_IDLE", "true")
	t.Setenv("ALPHASIM_SUBMIT_ATTEMPTS", "not-a-number")

	cfg := LoadConfig()

	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.Tick != 500*time.Millisecond {
		t.Errorf("Tick = %v, want 500ms", cfg.Tick)
	}
	if cfg.AuthTimeout != time.Minute {
		t.Errorf("AuthTimeout = %v, want 1m", cfg.AuthTimeout)
	}
	if !cfg.ExitWhenIdle || !cfg.UsesNATS() {
		t.Errorf("ExitWhenIdle = %v, UsesNATS = %v, want both true", cfg.ExitWhenIdle, cfg.UsesNATS())
	}
	if cfg.SubmitAttempts != 36 {
		t.Errorf("SubmitAttempts = %d, want default 36 for unparsable value", cfg.SubmitAttempts)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero tick", func(c *Config) { c.Tick = 0 }},
		{"unknown backlog", func(c *Config) { c.Backlog = "redis" }},
		{"no attempts", func(c *Config) { c.SubmitAttempts = 0 }},
		{"no base url", func(c *Config) { c.BaseURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestConfigSlogLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "bogus": "INFO", "": "INFO"}
	for in, want := range tests {
		if got := (Config{LogLevel: in}).SlogLevel().String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

type fixedStatus scheduler.Snapshot

func (s fixedStatus) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(s) }

type fixedLen struct {
	n   int
	err error
}

func (f fixedLen) Len(context.Context) (int, error) { return f.n, f.err }

func TestRouter_Status(t *testing.T) {
	status := fixedStatus{State: scheduler.StateRunning, InFlight: 2, Capacity: 3, Counts: scheduler.Counts{Submitted: 5, Succeeded: 3}}
	ts := httptest.NewServer(NewRouter(status, fixedLen{n: 7}, fixedLen{err: errors.New("down")}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "running" || body["in_flight"] != float64(2) || body["backlog"] != float64(7) {
		t.Errorf("body = %v", body)
	}
	if body["dead_letter"] != float64(-1) {
		t.Errorf("dead_letter = %v, want -1 when unavailable", body["dead_letter"])
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set")
	}
}

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		state scheduler.State
		want  int
	}{
		{scheduler.StateRunning, http.StatusOK},
		{scheduler.StateIdle, http.StatusOK},
		{scheduler.StateDraining, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		h := NewRouter(fixedStatus{State: tt.state}, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != tt.want {
			t.Errorf("GET /healthz in %s = %d, want %d", tt.state, rec.Code, tt.want)
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	h := NewRouter(fixedStatus{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alphasim_") {
		t.Error("metrics output has no alphasim_ series")
	}
}

func TestRequestID_EchoesHeader(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "custom-id-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "custom-id-123" {
		t.Errorf("X-Request-Id = %q, want %q", got, "custom-id-123")
	}
}

func TestHealth_FollowsSchedulerState(t *testing.T) {
	h := NewHealth()
	ctx := context.Background()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("initial status = %v, want SERVING", got)
	}
	h.Update(scheduler.StateDraining)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("draining status = %v, want NOT_SERVING", got)
	}
	h.Update(scheduler.StateIdle)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("idle status = %v, want SERVING", got)
	}
}
