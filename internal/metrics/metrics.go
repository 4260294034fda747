// Package metrics exposes cycle counters for relay. relay runs one cycle
// per process, so the registry is written to a node_exporter textfile
// instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for task cycles.
//
// Metrics:
//   - relay_cycles_total{status} - cycles by final status
//   - relay_stage_failures_total{stage} - failures by stage
//   - relay_attempts_total - apply/test attempts
//   - relay_rollbacks_total{result} - rollbacks, ok or failed
//   - relay_subtasks_spawned_total - sub-tasks created after exhausted retries
//   - relay_cycle_duration_seconds - wall time of a cycle
//   - relay_tree_dirty - 1 while the tree is quarantined
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal        *prometheus.CounterVec
	StageFailuresTotal *prometheus.CounterVec
	AttemptsTotal      prometheus.Counter
	RollbacksTotal     *prometheus.CounterVec
	SubtasksTotal      prometheus.Counter
	CycleDuration      prometheus.Histogram
	TreeDirty          prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cycles_total",
				Help: "Task cycles by final status",
			},
			[]string{"status"},
		),
		StageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stage_failures_total",
				Help: "Cycle failures by stage",
			},
			[]string{"stage"},
		),
		AttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_attempts_total",
			Help: "Apply and test attempts",
		}),
		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rollbacks_total",
				Help: "Patch reversals by result",
			},
			[]string{"result"},
		),
		SubtasksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_subtasks_spawned_total",
			Help: "Sub-tasks created for tasks that exhausted their retries",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_cycle_duration_seconds",
			Help:    "Wall time of a task cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}),
		TreeDirty: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tree_dirty",
			Help: "1 while the working tree is quarantined after a failed rollback",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordCycle records the end of a cycle.
func (m *Metrics) RecordCycle(status string, elapsed time.Duration) {
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// RecordFailure counts a failed stage.
func (m *Metrics) RecordFailure(stage string) {
	m.StageFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordAttempt counts one apply/test attempt.
func (m *Metrics) RecordAttempt() { m.AttemptsTotal.Inc() }

// RecordRollback counts a reversal.
func (m *Metrics) RecordRollback(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.RollbacksTotal.WithLabelValues(result).Inc()
}

// RecordSubtasks counts spawned sub-tasks.
func (m *Metrics) RecordSubtasks(n int) { m.SubtasksTotal.Add(float64(n)) }

// SetDirty sets the dirty gauge.
func (m *Metrics) SetDirty(dirty bool) {
	if dirty {
		m.TreeDirty.Set(1)
		return
	}
	m.TreeDirty.Set(0)
}

// WriteTextfile writes the registry in text exposition format. The file
// is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
