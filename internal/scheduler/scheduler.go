// Package scheduler runs the tick loop that keeps the in-flight window full:
// each tick resolves finished simulations into the result sink, then refills
// free slots from the backlog.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/alphasim/internal/backlog"
	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/inflight"
	"github.com/openjobspec/alphasim/internal/metrics"
	"github.com/openjobspec/alphasim/internal/sink"
)

// State is the scheduler's lifecycle phase.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

var stateNames = []string{string(StateIdle), string(StateRunning), string(StateDraining)}

// DefaultTick is the pause between ticks.
const DefaultTick = 3 * time.Second

// Clock abstracts time for the loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config tunes the loop.
type Config struct {
	Tick time.Duration
	// ExitWhenIdle stops Run once the backlog, staging buffer and in-flight
	// set are all empty. By default the loop keeps waiting for new entries.
	ExitWhenIdle bool
}

// Counts are running totals since the scheduler started.
type Counts struct {
	Ticks     int `json:"ticks"`
	Submitted int `json:"submitted"`
	Abandoned int `json:"abandoned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Resolved is the number of results written to the sink.
func (c Counts) Resolved() int { return c.Succeeded + c.Failed }

// Snapshot is a point-in-time view for observers.
type Snapshot struct {
	State     State     `json:"state"`
	InFlight  int       `json:"in_flight"`
	Capacity  int       `json:"capacity"`
	Staged    int       `json:"staged"`
	Counts    Counts    `json:"counts"`
	StartedAt time.Time `json:"started_at"`
	LastTick  time.Time `json:"last_tick"`
}

// Scheduler owns the staging buffer and drives the in-flight set. Run and
// Step must be called from a single goroutine; Snapshot and Stop are safe
// from any goroutine.
type Scheduler struct {
	cfg     Config
	backlog backlog.Queue
	set     *inflight.Set
	sink    sink.Sink
	clock   Clock

	staging []core.JobSpec
	state   State
	counts  Counts
	onState []func(State)

	mu   sync.Mutex
	snap Snapshot

	stop     chan struct{}
	stopOnce sync.Once
}

// New wires a scheduler. A nil clock uses RealClock.
func New(cfg Config, q backlog.Queue, set *inflight.Set, out sink.Sink, clock Clock) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if clock == nil {
		clock = RealClock{}
	}
	s := &Scheduler{
		cfg:     cfg,
		backlog: q,
		set:     set,
		sink:    out,
		clock:   clock,
		state:   StateIdle,
		stop:    make(chan struct{}),
	}
	s.snap = Snapshot{State: s.state, Capacity: set.Cap(), StartedAt: clock.Now()}
	return s
}

// OnStateChange registers fn to be called on every state transition.
func (s *Scheduler) OnStateChange(fn func(State)) {
	s.onState = append(s.onState, fn)
}

// Stop asks Run to drain: no further refills, keep resolving until nothing
// is in flight. It may be called more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Snapshot returns the state as of the last tick.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Run ticks until drained after Stop, until idle when ExitWhenIdle is set, or
// until a fatal error. Cancelling ctx aborts without draining; specs still in
// the staging buffer are returned to the backlog either way.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	slog.Info("scheduler started", "concurrency", s.set.Cap(), "tick", s.cfg.Tick.String())
	s.setState(StateRunning)
	defer func() {
		if rerr := s.restoreStaging(ctx); rerr != nil && err == nil {
			err = rerr
		}
		s.logUnresolved()
		s.report()
	}()

	stop := s.stop
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			s.beginDrain()
			stop = nil
		default:
		}

		if err := s.Step(ctx); err != nil {
			return err
		}

		switch {
		case s.state == StateDraining && s.set.Len() == 0:
			slog.Info("in-flight simulations drained")
			return nil
		case s.state != StateDraining && s.set.Len() == 0 && len(s.staging) == 0:
			s.setState(StateIdle)
			if s.cfg.ExitWhenIdle {
				slog.Info("backlog exhausted")
				return nil
			}
		case s.state == StateIdle:
			s.setState(StateRunning)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			s.beginDrain()
			stop = nil
		case <-s.clock.After(s.cfg.Tick):
		}
	}
}

func (s *Scheduler) beginDrain() {
	if s.state == StateDraining {
		return
	}
	slog.Info("stop requested, finishing in-flight simulations", "in_flight", s.set.Len(), "staged", len(s.staging))
	s.setState(StateDraining)
}

// Step runs one tick: resolve, then refill unless draining.
func (s *Scheduler) Step(ctx context.Context) error {
	start := s.clock.Now()
	defer func() {
		metrics.TickDuration.Observe(s.clock.Now().Sub(start).Seconds())
		s.counts.Ticks++
		s.publish(start)
	}()

	if err := s.resolve(ctx); err != nil {
		return err
	}
	if s.state == StateDraining {
		return nil
	}
	return s.refill(ctx)
}

func (s *Scheduler) resolve(ctx context.Context) error {
	results, fatal := s.set.ResolveReady(ctx)
	for i, r := range results {
		if err := s.sink.Append(ctx, r); err != nil {
			for _, lost := range results[i:] {
				slog.Error("result not recorded", "alpha", lost.AlphaID, "status", lost.Status, "label", lost.Label, "spec_id", lost.SpecID)
			}

			return fmt.Errorf("record result: %w", err)
		}
		if r.Status == core.StatusSucceeded {
			s.counts.Succeeded++
		} else {
			s.counts.Failed++
		}
	}
	return fatal
}

// refill admits staged specs while slots are free, draining 2x capacity from
// the backlog whenever the staging buffer runs dry.
func (s *Scheduler) refill(ctx context.Context) error {
	for s.set.Len() < s.set.Cap() {
		if len(s.staging) == 0 {
			batch, err := s.backlog.Drain(ctx, 2*s.set.Cap())
			if err != nil {
				return fmt.Errorf("drain backlog: %w", err)
			}
			if len(batch) == 0 {
				return nil
			}
			s.staging = batch
			continue
		}

		before := s.set.Len()
		ok, err := s.set.TryAdmit(ctx, s.staging[0])
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		s.staging = s.staging[1:]
		if s.set.Len() > before {
			s.counts.Submitted++
		} else {
			s.counts.Abandoned++
		}
	}
	return nil
}

// restoreStaging returns drained but unsubmitted specs to the backlog head.
func (s *Scheduler) restoreStaging(ctx context.Context) error {
	if len(s.staging) == 0 {
		return nil
	}
	n := len(s.staging)
	if err := s.backlog.Restore(context.WithoutCancel(ctx), s.staging...); err != nil {
		for _, spec := range s.staging {
			slog.Error("staged spec not restored", "spec_id", spec.ID, "label", spec.Label())
		}
		return fmt.Errorf("restore staging buffer: %w", err)
	}
	s.staging = nil
	s.publish(s.clock.Now())
	slog.Info("staged specs returned to backlog", "count", n)
	return nil
}

// logUnresolved records the full payload of every handle still in flight so
// it can be resubmitted by hand; handles are not persisted.
func (s *Scheduler) logUnresolved() {
	for _, h := range s.set.Handles() {
		slog.Warn("simulation left unresolved",
			"location", h.Location,
			"spec_id", h.SpecID,
			"type", h.Spec.Type,
			"settings", h.Spec.Settings,
			"regular", h.Spec.Regular,
		)
	}
}

func (s *Scheduler) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	metrics.SetState(string(st), stateNames...)
	s.mu.Lock()
	s.snap.State = st
	s.mu.Unlock()
	for _, fn := range s.onState {
		fn(st)
	}
}

func (s *Scheduler) publish(tick time.Time) {
	metrics.Staged.Set(float64(len(s.staging)))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = s.state
	s.snap.InFlight = s.set.Len()
	s.snap.Staged = len(s.staging)
	s.snap.Counts = s.counts
	s.snap.LastTick = tick
}

func (s *Scheduler) report() {
	snap := s.Snapshot()
	slog.Info("scheduler finished",
		"submitted", snap.Counts.Submitted,
		"succeeded", snap.Counts.Succeeded,
		"failed", snap.Counts.Failed,
		"abandoned", snap.Counts.Abandoned,
		"in_flight", snap.InFlight,
		"staged", snap.Staged,
		"ticks", snap.Counts.Ticks,
		"elapsed", s.clock.Now().Sub(snap.StartedAt).Round(time.Second).String(),
	)
}
