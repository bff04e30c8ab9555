package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout used in persisted records.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// DefaultSimulationType is used when a spec does not name one.
const DefaultSimulationType = "REGULAR"

// FormatTime formats a time in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// DefaultSettings returns the simulation settings used when a spec is built
// from a bare expression.
func DefaultSettings() map[string]any {
	return map[string]any{
		"instrumentType": "EQUITY",
		"region":         "USA",
		"universe":       "TOP3000",
		"delay":          1,
		"decay":          0,
		"neutralization": "SUBINDUSTRY",
		"truncation":     0.01,
		"pasteurization": "ON",
		"unitHandling":   "VERIFY",
		"nanHandling":    "ON",
		"language":       "FASTEXPR",
		"visualization":  false,
		"testPeriod":     "P2Y",
	}
}

// JobSpec is one pending simulation. Regular holds the expression and is the
// only part of the payload the scheduler looks at; Settings is passed through
// untouched.
type JobSpec struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	Regular  string         `json:"regular"`
}

// Label returns the human-readable description used in logs and the result sink.
func (s JobSpec) Label() string {
	return strings.TrimSpace(s.Regular)
}

// Validate reports whether the spec carries enough to be submitted.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Regular) == "" {
		return fmt.Errorf("%w: empty expression", ErrMalformedRecord)
	}
	return nil
}

// simulationBody is the request body for POST /simulations. The local ID never
// leaves the process.
type simulationBody struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
	Regular  string         `json:"regular"`
}

// Payload renders the wire body sent to the simulation endpoint.
func (s JobSpec) Payload() ([]byte, error) {
	body := simulationBody{
		Type:     s.Type,
		Settings: s.Settings,
		Regular:  s.Regular,
	}
	if body.Type == "" {
		body.Type = DefaultSimulationType
	}
	if body.Settings == nil {
		body.Settings = map[string]any{}
	}
	return json.Marshal(body)
}

// JobHandle identifies one submitted, unresolved simulation.
type JobHandle struct {
	Location    string
	SpecID      string
	Label       string
	SubmittedAt time.Time
	// NextPollAt honours the service's Retry-After hint; zero means poll now.
	NextPollAt time.Time
	Polls      int
	// Spec is logged in full when the scheduler stops with the handle unresolved.
	Spec JobSpec
}

// JobStatus is the outcome of a simulation.
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusRunning   JobStatus = "running"
)

// IsTerminal reports whether the status ends the job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PollResult is the answer to a single progress check.
type PollResult struct {
	Finished   bool
	RetryAfter time.Duration
	// AlphaID is set once the simulation produced an alpha.
	AlphaID string
	// RemoteStatus is the raw simulation status string (COMPLETE, ERROR, ...).
	RemoteStatus string
	Message      string
}

// JobResult is the terminal record appended to the result sink.
type JobResult struct {
	AlphaID    string    `json:"id"`
	Status     JobStatus `json:"status"`
	Label      string    `json:"label"`
	SpecID     string    `json:"spec_id,omitempty"`
	Location   string    `json:"location,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// StatusFromRemote maps a remote simulation or alpha status onto JobStatus.
func StatusFromRemote(remote string) JobStatus {
	switch strings.ToUpper(strings.TrimSpace(remote)) {
	case "COMPLETE", "COMPLETED", "WARNING", "UNSUBMITTED", "ACTIVE", "DONE":
		return StatusSucceeded
	case "RUNNING", "PENDING", "QUEUED", "SIMULATING":
		return StatusRunning
	default:
		return StatusFailed
	}
}
