// Package metrics exposes wardend's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all wardend collectors. A nil *Metrics is safe to use;
// every method no-ops.
type Metrics struct {
	tasksTotal       *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	mutationsBlocked prometheus.Counter
	auditMismatches  prometheus.Counter
	strategyFailures prometheus.Counter
	deltasApplied    *prometheus.CounterVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardend_tasks_total",
			Help: "Completed tasks by terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wardend_task_duration_seconds",
			Help:    "Wall time from submission to sealed record.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		mutationsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wardend_mutations_blocked_total",
			Help: "Mutation attempts blocked by the pre-flight gate.",
		}),
		auditMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wardend_audit_mismatches_total",
			Help: "Mutations the post-hoc audit found outside policy.",
		}),
		strategyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wardend_strategy_failures_total",
			Help: "Enhancement strategy invocations that failed after fallback.",
		}),
		deltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardend_policy_deltas_total",
			Help: "Policy deltas applied, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.mutationsBlocked,
		m.auditMismatches,
		m.strategyFailures,
		m.deltasApplied,
	)
	return m
}

// TaskCompleted records a terminal task outcome.
func (m *Metrics) TaskCompleted(status string, seconds float64) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.Observe(seconds)
}

// MutationBlocked counts a pre-flight block.
func (m *Metrics) MutationBlocked() {
	if m == nil {
		return
	}
	m.mutationsBlocked.Inc()
}

// AuditMismatch counts a post-hoc audit violation.
func (m *Metrics) AuditMismatch() {
	if m == nil {
		return
	}
	m.auditMismatches.Inc()
}

// StrategyFailed counts a strategy invocation that exhausted fallback.
func (m *Metrics) StrategyFailed() {
	if m == nil {
		return
	}
	m.strategyFailures.Inc()
}

// DeltaApplied counts an applied policy delta.
func (m *Metrics) DeltaApplied(kind string) {
	if m == nil {
		return
	}
	m.deltasApplied.WithLabelValues(kind).Inc()
}
