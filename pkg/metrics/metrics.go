// Package metrics holds the Prometheus instruments for the decision core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of decision-core instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	Fallbacks         *prometheus.CounterVec
	PolicyViolations  *prometheus.CounterVec
	NodeExecutions    *prometheus.CounterVec
	MemoryDropped     *prometheus.CounterVec
	MemoryWriteErrors prometheus.Counter
	RegistryReloads   *prometheus.CounterVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_decisions_total",
			Help: "Submitted requests by terminal outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routecore_stage_duration_seconds",
			Help:    "Time spent in each decision stage",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"stage"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_fallbacks_total",
			Help: "Safe fallbacks by reason",
		}, []string{"reason"}),
		PolicyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_policy_violations_total",
			Help: "Policy violations by rule",
		}, []string{"rule"}),
		NodeExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_node_executions_total",
			Help: "Task node executions by terminal status",
		}, []string{"status"}),
		MemoryDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_memory_dropped_total",
			Help: "Decision logs discarded before being written, by reason",
		}, []string{"reason"}),
		MemoryWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "routecore_memory_write_errors_total",
			Help: "Failed routing memory writes",
		}),
		RegistryReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_registry_reloads_total",
			Help: "Registry reload attempts by result",
		}, []string{"result"}),
	}
}

// Decision counts a terminal outcome.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Fallback counts a safe fallback.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(reason).Inc()
}

// Violation counts a policy violation.
func (m *Metrics) Violation(rule string) {
	if m == nil {
		return
	}
	m.PolicyViolations.WithLabelValues(rule).Inc()
}

// Node counts a terminal node status.
func (m *Metrics) Node(status string) {
	if m == nil {
		return
	}
	m.NodeExecutions.WithLabelValues(status).Inc()
}

// MemoryDrop counts discarded decision logs.
func (m *Metrics) MemoryDrop(reason string, n int) {
	if m == nil {
		return
	}
	m.MemoryDropped.WithLabelValues(reason).Add(float64(n))
}

// MemoryWriteError counts a failed memory write.
func (m *Metrics) MemoryWriteError(error) {
	if m == nil {
		return
	}
	m.MemoryWriteErrors.Inc()
}

// RegistryReload counts a reload attempt.
func (m *Metrics) RegistryReload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RegistryReloads.WithLabelValues(result).Inc()
}
