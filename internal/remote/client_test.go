package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/alphasim/internal/core"
)

// fakeBrain emulates the simulation service.
type fakeBrain struct {
	mu sync.Mutex

	authCalls    int
	authStatus   int
	submitCalls  int
	submitFails  int // leading submissions answered with submitStatus
	submitStatus int
	pollsNeeded  int // polls answered with Retry-After before finishing
	retryAfter   string
	polls        map[string]int
	pollStatus   int // when non-zero every poll fails with it
	noAlpha      bool
	nextSim      int
}

func (f *fakeBrain) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /authentication", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authCalls++
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.authStatus != 0 {
			w.WriteHeader(f.authStatus)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"user":{"id":"U123"}}`)
	})
	mux.HandleFunc("POST /simulations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.submitCalls++
		if f.submitCalls <= f.submitFails {
			w.WriteHeader(f.submitStatus)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["regular"] == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.nextSim++
		w.Header().Set("Location", fmt.Sprintf("/simulations/sim%d", f.nextSim))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /simulations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.pollStatus != 0 {
			w.WriteHeader(f.pollStatus)
			return
		}
		id := r.PathValue("id")
		f.polls[id]++
		if f.polls[id] <= f.pollsNeeded {
			retryAfter := "2.5"
			if f.retryAfter != "" {
				retryAfter = f.retryAfter
			}
			w.Header().Set("Retry-After", retryAfter)
			fmt.Fprintf(w, `{"progress":0.5}`)
			return
		}
		if f.noAlpha {
			fmt.Fprintf(w, `{"id":%q,"status":"ERROR","message":"syntax error"}`, id)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"status":"COMPLETE","alpha":"alpha-%s"}`, id, id)
	})
	mux.HandleFunc("GET /alphas/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"status":"UNSUBMITTED","regular":{"code":"rank( close )"}}`, r.PathValue("id"))
	})
	return mux
}

func newFakeBrain(t *testing.T) (*fakeBrain, *httptest.Server) {
	t.Helper()
	f := &fakeBrain{polls: make(map[string]int)}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, srv *httptest.Server, attempts int) *Client {
	t.Helper()
	auth := &BasicAuthenticator{
		BaseURL:     srv.URL,
		Credentials: Credentials{Username: "u", Password: "p"},
		Policy:      core.FixedDelay(3, time.Millisecond),
		Sleep:       noSleep,
	}
	c, err := NewClient(context.Background(), auth, Options{
		BaseURL:      srv.URL,
		SubmitPolicy: core.FixedDelay(attempts, time.Millisecond),
		FetchPolicy:  core.FixedDelay(2, time.Millisecond),
		Sleep:        noSleep,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

var testSpec = core.JobSpec{ID: "spec-1", Regular: "rank(close)", Settings: map[string]any{"region": "USA"}}

func TestSubmit_TransientFailuresThenSuccess(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.submitFails, f.submitStatus = 2, http.StatusServiceUnavailable
	c := newTestClient(t, srv, 36)

	h, err := c.Submit(context.Background(), testSpec)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.Location != srv.URL+"/simulations/sim1" {
		t.Errorf("Location = %q, want absolute sim1 URL", h.Location)
	}
	if h.SpecID != "spec-1" || h.Label != "rank(close)" {
		t.Errorf("handle = %+v, want spec-1 / rank(close)", h)
	}
	if f.submitCalls != 3 {
		t.Errorf("submit calls = %d, want 3", f.submitCalls)
	}
	if f.authCalls != 1 {
		t.Errorf("auth calls = %d, want 1 (no refresh)", f.authCalls)
	}
}

func TestSubmit_ExhaustionRefreshesSession(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.submitFails, f.submitStatus = 100, http.StatusBadGateway
	c := newTestClient(t, srv, 4)
	before := c.Session()

	_, err := c.Submit(context.Background(), testSpec)
	if !errors.Is(err, core.ErrSubmissionFailed) {
		t.Fatalf("Submit() error = %v, want ErrSubmissionFailed", err)
	}
	if f.submitCalls != 4 {
		t.Errorf("submit calls = %d, want 4", f.submitCalls)
	}
	if f.authCalls != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + refresh)", f.authCalls)
	}
	if c.Session() == before {
		t.Error("session was not replaced after exhaustion")
	}
}

func TestSubmit_SessionExpiredRefreshesAndRetries(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.submitFails, f.submitStatus = 1, http.StatusUnauthorized
	c := newTestClient(t, srv, 5)

	if _, err := c.Submit(context.Background(), testSpec); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if f.authCalls != 2 {
		t.Errorf("auth calls = %d, want 2", f.authCalls)
	}
}

func TestSubmit_RejectedIsNotRetried(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.submitFails, f.submitStatus = 100, http.StatusBadRequest
	c := newTestClient(t, srv, 36)

	_, err := c.Submit(context.Background(), testSpec)
	if !errors.Is(err, core.ErrSubmissionFailed) {
		t.Fatalf("Submit() error = %v, want ErrSubmissionFailed", err)
	}
	if f.submitCalls != 1 {
		t.Errorf("submit calls = %d, want 1", f.submitCalls)
	}
}

func TestPollAndFetchResult(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.pollsNeeded = 1
	c := newTestClient(t, srv, 3)
	ctx := context.Background()

	h, err := c.Submit(ctx, testSpec)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	p, err := c.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if p.Finished {
		t.Fatal("first Poll() reported finished")
	}
	if p.RetryAfter != 2500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 2.5s", p.RetryAfter)
	}

	p, err = c.Poll(ctx, h)
	if err != nil || !p.Finished {
		t.Fatalf("second Poll() = %+v, %v; want finished", p, err)
	}
	if p.AlphaID != "alpha-sim1" {
		t.Errorf("AlphaID = %q, want alpha-sim1", p.AlphaID)
	}

	res, err := c.FetchResult(ctx, h, p)
	if err != nil {
		t.Fatalf("FetchResult() error = %v", err)
	}
	if res.AlphaID != "alpha-sim1" || res.Status != core.StatusSucceeded || res.SpecID != "spec-1" {
		t.Errorf("FetchResult() = %+v", res)
	}
	if res.Label != testSpec.Regular {
		t.Errorf("Label = %q, want the submitted expression %q", res.Label, testSpec.Regular)
	}
}

func TestPoll_RetryAfterForms(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantFinish bool
		wantWait   time.Duration
	}{
		{"seconds", "4", false, 4 * time.Second},
		{"http date", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat), false, 0},
		{"junk", "soon", false, 0},
		{"zero", "0", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeBrain(t)
			f.pollsNeeded = 1
			f.retryAfter = tt.header
			c := newTestClient(t, srv, 3)
			ctx := context.Background()

			h, err := c.Submit(ctx, testSpec)
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			p, err := c.Poll(ctx, h)
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if p.Finished != tt.wantFinish {
				t.Fatalf("Poll() finished = %v, want %v", p.Finished, tt.wantFinish)
			}
			if tt.name == "http date" {
				if p.RetryAfter < 59*time.Minute {
					t.Errorf("RetryAfter = %v, want about an hour", p.RetryAfter)
				}
				return
			}
			if p.RetryAfter != tt.wantWait {
				t.Errorf("RetryAfter = %v, want %v", p.RetryAfter, tt.wantWait)
			}
		})
	}
}

func TestPoll_RequestFailureRefreshesAndReportsPending(t *testing.T) {
	f, srv := newFakeBrain(t)
	c := newTestClient(t, srv, 3)
	h := core.JobHandle{Location: srv.URL + "/simulations/sim9", Label: "x"}
	f.pollStatus = http.StatusInternalServerError

	p, err := c.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if p.Finished {
		t.Error("failed poll should report not finished")
	}
	if f.authCalls != 2 {
		t.Errorf("auth calls = %d, want 2 (refresh after failed poll)", f.authCalls)
	}
}

func TestFetchResult_FinishedWithoutAlphaIsFailed(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.noAlpha = true
	c := newTestClient(t, srv, 3)
	ctx := context.Background()

	h, _ := c.Submit(ctx, testSpec)
	p, _ := c.Poll(ctx, h)
	res, err := c.FetchResult(ctx, h, p)
	if err != nil {
		t.Fatalf("FetchResult() error = %v", err)
	}
	if res.Status != core.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if res.AlphaID != "sim1" {
		t.Errorf("AlphaID = %q, want simulation id sim1", res.AlphaID)
	}
}

func TestAuthenticate_InvalidCredentialsIsFatal(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.authStatus = http.StatusUnauthorized
	auth := &BasicAuthenticator{BaseURL: srv.URL, Credentials: Credentials{Username: "u", Password: "bad"}, Sleep: noSleep}

	_, err := auth.Authenticate(context.Background())
	if !errors.Is(err, core.ErrAuthFatal) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthFatal", err)
	}
	if f.authCalls != 1 {
		t.Errorf("auth calls = %d, want 1", f.authCalls)
	}
}

func TestAuthenticate_GivesUpAfterTimeout(t *testing.T) {
	f, srv := newFakeBrain(t)
	f.authStatus = http.StatusServiceUnavailable

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	auth := &BasicAuthenticator{
		BaseURL:     srv.URL,
		Credentials: Credentials{Username: "u", Password: "p"},
		Policy:      &core.RetryPolicy{InitialInterval: 15 * time.Second},
		Timeout:     300 * time.Second,
		Now:         func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	}

	_, err := auth.Authenticate(context.Background())
	if !errors.Is(err, core.ErrAuthFatal) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthFatal", err)
	}
	if f.authCalls != 21 {
		t.Errorf("auth calls = %d, want 21 (one every 15s for 300s)", f.authCalls)
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    Credentials
		wantErr bool
	}{
		{"array", `["alice","secret"]`, Credentials{"alice", "secret"}, false},
		{"object", `{"username":"bob","password":"pw"}`, Credentials{"bob", "pw"}, false},
		{"short array", `["alice"]`, Credentials{}, true},
		{"garbage", `nope`, Credentials{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".json")
			os.WriteFile(path, []byte(tt.content), 0o600)
			got, err := LoadCredentials(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("LoadCredentials() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2015, 10, 21, 7, 0, 0, 0, time.UTC)
	tests := []struct {
		in          string
		want        time.Duration
		wantRunning bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"-2", 0, false},
		{"3", 3 * time.Second, true},
		{"1.5", 1500 * time.Millisecond, true},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 28 * time.Minute, true},
		{"Wed, 21 Oct 2015 06:00:00 GMT", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, running := parseRetryAfter(tt.in, now)
		if got != tt.want || running != tt.wantRunning {
			t.Errorf("parseRetryAfter(%q) = %v, %v; want %v, %v", tt.in, got, running, tt.want, tt.wantRunning)
		}
	}
}
