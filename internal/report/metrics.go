package report

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are boring counters only. Every value is explainable by looking
// at a single RunResult.
type Metrics struct {
	runsStarted *prometheus.CounterVec
	runsEnded   *prometheus.CounterVec
	iterations  prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics creates run counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carlarl_runs_started_total",
				Help: "Runs started by mode",
			},
			[]string{"mode"},
		),
		runsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carlarl_runs_total",
				Help: "Runs ended by status",
			},
			[]string{"status"},
		),
		iterations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "carlarl_run_iterations_total",
				Help: "Training iterations completed across ended runs",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "carlarl_run_duration_seconds",
				Help:    "Wall-clock duration of ended runs",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.runsStarted, m.runsEnded, m.iterations, m.duration)
	}
	return m
}

// IncrStarted counts a run starting in mode ("train" or "debug").
func (m *Metrics) IncrStarted(mode string) {
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordResult updates every counter from a single immutable result.
func (m *Metrics) RecordResult(r *RunResult) {
	m.runsEnded.WithLabelValues(string(r.Status)).Inc()
	m.iterations.Add(float64(r.Iterations))
	m.duration.Observe(r.Duration.Seconds())
}
