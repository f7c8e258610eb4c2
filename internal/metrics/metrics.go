// Package metrics defines Prometheus metrics for the assistant backend.
//
// Metric naming follows Prometheus conventions:
//   - adjutant_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts executions by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_executions_total",
			Help: "Total executions by terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDurationSeconds is a histogram of invoker run duration.
	ExecutionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adjutant_execution_duration_seconds",
			Help:    "Duration of execution invocations in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// CallbacksTotal counts provider callbacks by bridge outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_callbacks_total",
			Help: "Total provider callbacks by bridge outcome (accepted, duplicate, rejected).",
		},
		[]string{"outcome"},
	)

	// RoutingDecisionsTotal counts router decisions by outcome and channel.
	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_routing_decisions_total",
			Help: "Total routing decisions by outcome and channel.",
		},
		[]string{"outcome", "channel"},
	)

	// RateLimitDemotionsTotal counts demotions applied by the rate limiter.
	RateLimitDemotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adjutant_rate_limit_demotions_total",
			Help: "Total routing decisions demoted by the rate limiter.",
		},
	)

	// FailClosedQueueDepth is the current fail-closed queue depth.
	FailClosedQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adjutant_fail_closed_queue_depth",
			Help: "Outbound signals parked in the fail-closed queue.",
		},
	)

	// RouterViolationsTotal counts delivery attempts outside the router.
	RouterViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adjutant_router_violations_total",
			Help: "Delivery attempts rejected because the router-active flag was missing.",
		},
	)

	// CommitmentTransitionsTotal counts applied commitment transitions.
	CommitmentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_commitment_transitions_total",
			Help: "Total applied commitment state transitions by target state.",
		},
		[]string{"to_state"},
	)

	// ProposalsTotal counts proposals by kind and terminal status.
	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_proposals_total",
			Help: "Total commitment proposals by kind and status.",
		},
		[]string{"kind", "status"},
	)
)

// Registry holds all backend metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ExecutionsTotal,
		ExecutionDurationSeconds,
		CallbacksTotal,
		RoutingDecisionsTotal,
		RateLimitDemotionsTotal,
		FailClosedQueueDepth,
		RouterViolationsTotal,
		CommitmentTransitionsTotal,
		ProposalsTotal,
	)
}

// Handler serves the metrics registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
