// Package remote talks to the simulation service: submitting specs, checking
// progress and fetching the resulting alpha records.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/metrics"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// SubmitPolicy bounds submission retries. Defaults to 36 attempts, 5s apart.
	SubmitPolicy *core.RetryPolicy
	// FetchPolicy bounds retries when reading alpha records.
	FetchPolicy *core.RetryPolicy

	Sleep func(context.Context, time.Duration) error
	Now   func() time.Time
}

// Client wraps authenticated calls to the simulation service. It owns the
// current Session and swaps it on refresh. A Client is driven by a single
// goroutine.
type Client struct {
	baseURL string
	auth    Authenticator
	session *Session

	submitPolicy *core.RetryPolicy
	fetchPolicy  *core.RetryPolicy
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
}

// NewClient signs in and returns a ready client.
func NewClient(ctx context.Context, auth Authenticator, opts Options) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		auth:         auth,
		submitPolicy: opts.SubmitPolicy,
		fetchPolicy:  opts.FetchPolicy,
		sleep:        opts.Sleep,
		now:          opts.Now,
	}
	if c.submitPolicy == nil {
		c.submitPolicy = core.FixedDelay(36, 5*time.Second)
	}
	if c.fetchPolicy == nil {
		c.fetchPolicy = core.FixedDelay(3, 5*time.Second)
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}

	sess, err := auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return c, nil
}

// Session returns the current authenticated context.
func (c *Client) Session() *Session {
	return c.session
}

// Refresh re-authenticates and replaces the session. It blocks until the
// authenticator succeeds or gives up with core.ErrAuthFatal.
func (c *Client) Refresh(ctx context.Context) error {
	start := c.now()
	sess, err := c.auth.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	c.session = sess
	metrics.SessionRefreshes.Inc()
	slog.Info("session refreshed", "user", sess.UserID, "elapsed", c.now().Sub(start).Round(time.Millisecond).String())
	return nil
}

// Submit sends spec to POST /simulations and returns the handle from the
// Location header. Transient failures are retried on the submit policy; once
// it is exhausted the session is refreshed and core.ErrSubmissionFailed is
// returned. A payload the service rejects outright fails without retrying.
func (c *Client) Submit(ctx context.Context, spec core.JobSpec) (core.JobHandle, error) {
	payload, err := spec.Payload()
	if err != nil {
		return core.JobHandle{}, fmt.Errorf("%w: encode %q: %v", core.ErrSubmissionFailed, spec.Label(), err)
	}

	start := c.now()
	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		location, err := c.submitOnce(ctx, payload)
		if err == nil {
			slog.Info("simulation submitted", "label", spec.Label(), "location", location, "attempt", attempt)
			return core.JobHandle{
				Location:    location,
				SpecID:      spec.ID,
				Label:       spec.Label(),
				SubmittedAt: c.now(),
				Spec:        spec,
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return core.JobHandle{}, ctx.Err()
		}
		if !core.IsRetryable(err) {
			slog.Error("simulation rejected", "label", spec.Label(), "attempt", attempt, "error", err)
			return core.JobHandle{}, fmt.Errorf("%w: %q rejected: %v", core.ErrSubmissionFailed, spec.Label(), err)
		}
		if errors.Is(err, core.ErrSessionExpired) {
			if rerr := c.Refresh(ctx); rerr != nil {
				return core.JobHandle{}, rerr
			}
		}
		if c.submitPolicy.Exhausted(attempt) {
			break
		}

		metrics.SubmitRetries.Inc()
		delay := core.CalculateBackoff(c.submitPolicy, attempt)
		slog.Warn("simulation request failed, retrying",
			"label", spec.Label(),
			"attempt", attempt,
			"elapsed", c.now().Sub(start).Round(time.Millisecond).String(),
			"retry_in", delay.String(),
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return core.JobHandle{}, err
		}
	}

	slog.Warn("simulation request failed after all attempts, re-authenticating",
		"label", spec.Label(),
		"attempts", attempt,
		"elapsed", c.now().Sub(start).Round(time.Millisecond).String(),
		"error", lastErr,
	)
	if err := c.Refresh(ctx); err != nil {
		return core.JobHandle{}, err
	}
	return core.JobHandle{}, fmt.Errorf("%w: %q after %d attempts: %v", core.ErrSubmissionFailed, spec.Label(), attempt, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, payload []byte) (string, error) {
	endpoint := c.baseURL + "/simulations"
	req, err := c.session.NewRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	resp, err := c.session.Do(req)
	if err != nil {
		return "", core.NewTransportError(http.MethodPost, endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewRemoteStatusError(http.MethodPost, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &core.RemoteError{
			Code:       core.ErrCodeTransient,
			StatusCode: resp.StatusCode,
			Method:     http.MethodPost,
			URL:        endpoint,
			Message:    "response has no Location header",
			Retryable:  true,
		}
	}
	return c.resolve(location), nil
}

// simulationProgress is the body of GET <location>.
type simulationProgress struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Alpha    string  `json:"alpha"`
	Message  string  `json:"message"`
	Progress float64 `json:"progress"`
}

// Poll checks one handle. A Retry-After header means the simulation is still
// running, unless it is a non-positive number of seconds. A failed request refreshes the session and is reported
// as not finished; only a fatal authentication error is returned.
func (c *Client) Poll(ctx context.Context, h core.JobHandle) (core.PollResult, error) {
	progress, retryAfter, running, err := c.pollOnce(ctx, h.Location)
	if err != nil {
		if ctx.Err() != nil {
			return core.PollResult{}, ctx.Err()
		}
		metrics.Polls.WithLabelValues("error").Inc()
		slog.Error("fetching simulation progress failed", "label", h.Label, "location", h.Location, "polls", h.Polls, "error", err)
		if rerr := c.Refresh(ctx); rerr != nil {
			return core.PollResult{}, rerr
		}
		return core.PollResult{}, nil
	}
	if running {
		metrics.Polls.WithLabelValues("running").Inc()
		return core.PollResult{RetryAfter: retryAfter, RemoteStatus: progress.Status}, nil
	}

	metrics.Polls.WithLabelValues("finished").Inc()
	return core.PollResult{
		Finished:     true,
		AlphaID:      progress.Alpha,
		RemoteStatus: progress.Status,
		Message:      progress.Message,
	}, nil
}

func (c *Client) pollOnce(ctx context.Context, location string) (progress simulationProgress, wait time.Duration, running bool, err error) {
	req, err := c.session.NewRequest(ctx, http.MethodGet, location, nil)
	if err != nil {
		return progress, 0, false, err
	}
	resp, err := c.session.Do(req)
	if err != nil {
		return progress, 0, false, core.NewTransportError(http.MethodGet, location, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return progress, 0, false, core.NewRemoteStatusError(http.MethodGet, location, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &progress); err != nil {
			return progress, 0, false, fmt.Errorf("%w: decode progress: %v", core.ErrTransient, err)
		}
	}
	wait, running = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	return progress, wait, running, nil
}

// FetchResult reads the durable record of a finished simulation. A finished
// simulation that produced no alpha resolves as failed.
func (c *Client) FetchResult(ctx context.Context, h core.JobHandle, p core.PollResult) (core.JobResult, error) {
	result := core.JobResult{
		Label:      h.Label,
		SpecID:     h.SpecID,
		Location:   h.Location,
		ResolvedAt: c.now(),
	}

	if p.AlphaID == "" {
		result.AlphaID = lastSegment(h.Location)
		result.Status = core.StatusFailed
		slog.Warn("simulation finished without an alpha", "label", h.Label, "status", p.RemoteStatus, "message", p.Message)
		return result, nil
	}

	var alpha struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/alphas/"+url.PathEscape(p.AlphaID), &alpha); err != nil {
		return core.JobResult{}, err
	}

	result.AlphaID = alpha.ID
	if result.AlphaID == "" {
		result.AlphaID = p.AlphaID
	}
	result.Status = core.StatusSucceeded
	if st := core.StatusFromRemote(p.RemoteStatus); p.RemoteStatus != "" && st.IsTerminal() {
		result.Status = st
	}
	return result, nil
}

// Alpha fetches the raw record of one alpha.
func (c *Client) Alpha(ctx context.Context, alphaID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, c.baseURL+"/alphas/"+url.PathEscape(alphaID), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// getJSON performs a GET with the fetch policy, refreshing the session when it
// has expired.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := c.getOnce(ctx, endpoint, v)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !core.IsRetryable(err) {
			return err
		}
		if errors.Is(err, core.ErrSessionExpired) {
			if rerr := c.Refresh(ctx); rerr != nil {
				return rerr
			}
		}
		if c.fetchPolicy.Exhausted(attempt) {
			break
		}
		delay := core.CalculateBackoff(c.fetchPolicy, attempt)
		slog.Warn("request failed, retrying", "url", endpoint, "attempt", attempt, "retry_in", delay.String(), "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: GET %s: %v", core.ErrTransient, endpoint, lastErr)
}

func (c *Client) getOnce(ctx context.Context, endpoint string, v any) error {
	req, err := c.session.NewRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.session.Do(req)
	if err != nil {
		return core.NewTransportError(http.MethodGet, endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.NewRemoteStatusError(http.MethodGet, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrTransient, endpoint, err)
	}
	return nil
}

// resolve turns a possibly relative Location into an absolute URL.
func (c *Client) resolve(location string) string {
	ref, err := url.Parse(location)
	if err != nil || ref.IsAbs() {
		return location
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// parseRetryAfter reports whether a Retry-After value marks the simulation as
// still running, and the wait it suggests. Only an absent header or a
// non-positive number of seconds means finished. An HTTP-date is turned into
// a wait relative to now; an unparseable value is running with no hint.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	slog.Warn("unrecognised Retry-After header, treating simulation as running", "value", v)
	return 0, true
}

func lastSegment(location string) string {
	location = strings.TrimRight(location, "/")
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}
