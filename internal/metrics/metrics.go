// Package metrics exposes the scheduler's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alphasim"

var (
	serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "info",
		Help:      "Build and backlog backend information.",
	}, []string{"version", "backlog"})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_jobs",
		Help:      "Simulations submitted and not yet resolved.",
	})

	Staged = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "staged_jobs",
		Help:      "Specs drained from the backlog and waiting for a free slot.",
	})

	Submitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Simulations accepted by the remote service.",
	})

	Resolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_resolved_total",
		Help:      "Simulations that reached a terminal status.",
	}, []string{"status"})

	Abandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_abandoned_total",
		Help:      "Specs moved to the dead-letter queue after exhausting submission attempts.",
	})

	SubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submit_retries_total",
		Help:      "Submission attempts that failed and were retried.",
	})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Progress checks by outcome.",
	}, []string{"outcome"})

	SessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_refreshes_total",
		Help:      "Successful re-authentications.",
	})

	SchedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_state",
		Help:      "1 for the scheduler's current state, 0 otherwise.",
	}, []string{"state"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one resolve+refill tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

// Init records static information about this process.
func Init(version, backlog string) {
	serverInfo.WithLabelValues(version, backlog).Set(1)
}

// SetState marks state as current among states.
func SetState(current string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
