// Package metrics exposes Prometheus collectors for the kernel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsAppended counts journal appends by event kind.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aios_events_appended_total",
			Help: "Total number of events appended to the journal",
		},
		[]string{"kind"},
	)

	// TicksTotal counts completed ticks by resulting mode.
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aios_ticks_total",
			Help: "Total number of completed ticks",
		},
		[]string{"mode"},
	)

	// TickDuration tracks how long ticks take.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aios_tick_duration_seconds",
			Help:    "Tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ToolCalls counts tool dispatches by tool and terminal status.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aios_tool_calls_total",
			Help: "Total number of tool dispatches",
		},
		[]string{"tool", "status"},
	)

	// SandboxRuns tracks sandbox executions by driver and outcome.
	SandboxRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aios_sandbox_runs_total",
			Help: "Total number of sandbox executions",
		},
		[]string{"driver", "outcome"},
	)

	// PendingApprovals tracks open approval tickets.
	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aios_pending_approvals",
			Help: "Number of approval tickets currently pending",
		},
	)

	// SubscribersLagged counts subscriptions dropped for falling behind.
	SubscribersLagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aios_subscribers_lagged_total",
			Help: "Total number of event subscribers disconnected as lagged",
		},
	)

	// ActiveSessions tracks sessions currently loaded in the runtime.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aios_active_sessions",
			Help: "Number of sessions loaded in the kernel runtime",
		},
	)

	// CircuitTrips counts circuit breaker activations.
	CircuitTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aios_circuit_trips_total",
			Help: "Total number of circuit breaker trips",
		},
	)
)

// Handler returns the Prometheus scrape handler for the daemon's /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
