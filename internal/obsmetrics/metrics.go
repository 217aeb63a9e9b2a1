// Package obsmetrics carries this library's own internal self-observability
// via Prometheus client_golang, the way the host orchestrator exposes its
// operational counters and histograms (internal/metrics, internal/policy's
// decision-cache gauges, internal/circuitbreaker's state gauges). These are
// metrics ABOUT the guard's own health, distinct from the genai.*/strands.*
// cost metrics internal/metricsemit reports to the host.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PolicyLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_guard_policy_loads_total",
			Help: "Total number of policy directory (re)loads",
		},
		[]string{"result"}, // ok, error
	)

	PolicyLoadLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cost_guard_policy_load_duration_seconds",
			Help:    "Latency of loading the policy directory",
			Buckets: prometheus.DefBuckets,
		},
	)

	RulesCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_guard_rules_cache_hits_total",
			Help: "Total number of rule overlay decision cache hits",
		},
	)

	RulesCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_guard_rules_cache_misses_total",
			Help: "Total number of rule overlay decision cache misses",
		},
	)

	StoreCASRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_guard_store_cas_retries_total",
			Help: "Total number of CompareAndSet retries against the persistent store",
		},
		[]string{"backend"},
	)

	StoreFallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cost_guard_store_fallback_active",
			Help: "1 if the persistent store has fallen back to in-memory-only mode, else 0",
		},
	)

	BudgetEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_guard_budget_evaluations_total",
			Help: "Total number of budget evaluations, by outcome",
		},
		[]string{"outcome"}, // allow, soft_threshold, hard_limit, admitted_run, rejected_run
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_guard_routing_decisions_total",
			Help: "Total number of routing evaluator decisions, by trigger",
		},
		[]string{"trigger"},
	)

	GuardHookLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cost_guard_hook_duration_seconds",
			Help:    "Latency of each Guard lifecycle hook",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"hook"},
	)
)

// RecordCASRetry increments the CAS retry counter for backend.
func RecordCASRetry(backend string) {
	StoreCASRetries.WithLabelValues(backend).Inc()
}

// SetFallbackActive reflects whether the store is currently running in
// in-memory-only fallback mode.
func SetFallbackActive(active bool) {
	if active {
		StoreFallbackActive.Set(1)
		return
	}
	StoreFallbackActive.Set(0)
}

// RecordBudgetEvaluation records a single BudgetState evaluation outcome.
func RecordBudgetEvaluation(outcome string) {
	BudgetEvaluations.WithLabelValues(outcome).Inc()
}

// RecordRoutingDecision records which trigger (if any) fired a downgrade.
func RecordRoutingDecision(trigger string) {
	RoutingDecisions.WithLabelValues(trigger).Inc()
}
