package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/openjobspec/alphasim/internal/core"
)

// Credentials are the account's basic-auth pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadCredentials reads a credential file holding either ["user", "password"]
// or {"username": ..., "password": ...}.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return Credentials{}, fmt.Errorf("credentials %s: want [username, password], got %d values", path, len(pair))
		}
		return Credentials{Username: pair[0], Password: pair[1]}, nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("credentials %s: %w", path, err)
	}
	if creds.Username == "" {
		return Credentials{}, fmt.Errorf("credentials %s: username is empty", path)
	}
	return creds, nil
}

// Session is one authenticated context. It is owned by a Client and replaced
// wholesale on refresh; it is never mutated after creation.
type Session struct {
	http        *http.Client
	creds       Credentials
	UserID      string
	Established time.Time
}

// NewRequest builds a request that carries the session's credentials.
func (s *Session) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.creds.Username, s.creds.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req through the session's cookie-carrying client.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.http.Do(req)
}

// Authenticator produces fresh sessions.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// BasicAuthenticator signs in with POST /authentication. Failures are retried
// on Policy until Timeout has elapsed; a 401 means the credentials are wrong
// and is fatal immediately.
type BasicAuthenticator struct {
	BaseURL        string
	Credentials    Credentials
	RequestTimeout time.Duration
	Policy         *core.RetryPolicy
	Timeout        time.Duration

	Sleep func(context.Context, time.Duration) error
	Now   func() time.Time
}

func (a *BasicAuthenticator) Authenticate(ctx context.Context) (*Session, error) {
	sleep := a.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}

	start := now()
	for attempt := 1; ; attempt++ {
		sess, err := a.signIn(ctx)
		if err == nil {
			slog.Info("signed in", "user", sess.UserID, "attempt", attempt)
			return sess, nil
		}
		if errors.Is(err, core.ErrAuthFatal) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		elapsed := now().Sub(start)
		if a.Timeout > 0 && elapsed >= a.Timeout {
			return nil, fmt.Errorf("%w: gave up after %s (%d attempts): %v", core.ErrAuthFatal, elapsed.Round(time.Second), attempt, err)
		}
		if a.Policy.Exhausted(attempt) {
			return nil, fmt.Errorf("%w: gave up after %d attempts: %v", core.ErrAuthFatal, attempt, err)
		}

		delay := core.CalculateBackoff(a.Policy, attempt)
		slog.Warn("sign-in failed, retrying",
			"attempt", attempt,
			"elapsed", elapsed.Round(time.Millisecond).String(),
			"retry_in", delay.String(),
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (a *BasicAuthenticator) signIn(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		http:  &http.Client{Jar: jar, Timeout: a.RequestTimeout},
		creds: a.Credentials,
	}

	url := strings.TrimRight(a.BaseURL, "/") + "/authentication"
	req, err := sess.NewRequest(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := sess.Do(req)
	if err != nil {
		return nil, core.NewTransportError(http.MethodPost, url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: credentials rejected for %s", core.ErrAuthFatal, a.Credentials.Username)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, core.NewRemoteStatusError(http.MethodPost, url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		sess.UserID = payload.User.ID
	}
	sess.Established = time.Now()
	return sess, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
