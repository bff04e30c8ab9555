package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReportSchedule logs progress once a minute.
const DefaultReportSchedule = "@every 1m"

// Reporter logs the scheduler's progress on a cron schedule while Run is busy
// with the tick loop.
type Reporter struct {
	cron     *cron.Cron
	schedule cron.Schedule
	source   func() Snapshot
	now      func() time.Time
}

// NewReporter parses expr (standard five-field or a descriptor such as
// "@every 30s") and returns a stopped reporter reading from source.
func NewReporter(expr string, source func() Snapshot) (*Reporter, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", expr, err)
	}

	r := &Reporter{
		cron:     cron.New(cron.WithParser(parser)),
		schedule: schedule,
		source:   source,
		now:      time.Now,
	}
	r.cron.Schedule(schedule, cron.FuncJob(r.Report))
	return r, nil
}

// Next returns the first report time after t.
func (r *Reporter) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

func (r *Reporter) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

// Report logs one progress line.
func (r *Reporter) Report() {
	snap := r.source()
	slog.Info("progress",
		"state", snap.State,
		"in_flight", snap.InFlight,
		"capacity", snap.Capacity,
		"staged", snap.Staged,
		"submitted", snap.Counts.Submitted,
		"resolved", snap.Counts.Resolved(),
		"failed", snap.Counts.Failed,
		"abandoned", snap.Counts.Abandoned,
		"uptime", r.now().Sub(snap.StartedAt).Round(time.Second).String(),
	)
}
