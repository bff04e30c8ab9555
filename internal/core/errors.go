package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for RemoteError.
const (
	ErrCodeTransient      = "transient"
	ErrCodeSessionExpired = "session_expired"
	ErrCodeRejected       = "rejected"
	ErrCodeAuthFatal      = "auth_fatal"
)

var (
	// ErrTransient marks a failure worth retrying after a fixed delay.
	ErrTransient = errors.New("transient remote failure")
	// ErrSessionExpired marks a failure that needs a re-authentication first.
	ErrSessionExpired = errors.New("session expired")
	// ErrSubmissionFailed is returned once a submission exhausted its attempts.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrMalformedRecord marks a persisted record that cannot be decoded.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrAuthFatal means the session cannot be (re)established. Callers stop.
	ErrAuthFatal = errors.New("authentication failed")
)

// RemoteError describes a failed request to the simulation service.
type RemoteError struct {
	Code       string
	StatusCode int
	Method     string
	URL        string
	Message    string
	Retryable  bool
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s %s: status %d: %s", e.Code, e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Code, e.Method, e.URL, e.Message)
}

// Is lets errors.Is match a RemoteError against the sentinel for its code.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Code == ErrCodeTransient
	case ErrSessionExpired:
		return e.Code == ErrCodeSessionExpired
	case ErrAuthFatal:
		return e.Code == ErrCodeAuthFatal
	}
	return false
}

// NewRemoteStatusError classifies a non-success HTTP response.
func NewRemoteStatusError(method, url string, status int, message string) *RemoteError {
	e := &RemoteError{
		StatusCode: status,
		Method:     method,
		URL:        url,
		Message:    message,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = ErrCodeSessionExpired
		e.Retryable = true
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		e.Code = ErrCodeTransient
		e.Retryable = true
	default:
		e.Code = ErrCodeRejected
	}
	return e
}

// NewTransportError wraps a network-level failure. These are always retryable.
func NewTransportError(method, url string, err error) *RemoteError {
	return &RemoteError{
		Code:      ErrCodeTransient,
		Method:    method,
		URL:       url,
		Message:   err.Error(),
		Retryable: true,
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrSessionExpired)
}
