// Package telemetry exposes reconciliation metrics in Prometheus format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"previewbox/internal/reconcile"
)

const namespace = "previewbox"

// Metrics records reconciliation runs and transitions. It implements
// reconcile.Recorder.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	activeRuns    prometheus.Gauge
	lastRun       prometheus.Gauge

	transitions    *prometheus.CounterVec
	unitErrors     *prometheus.CounterVec
	reloadFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of reconciliation runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of reconciliation runs in progress",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last reconciliation run finished",
		}),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of deployment transitions by action",
			},
			[]string{"action", "status"},
		),
		unitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_errors_total",
				Help:      "Total number of failed transitions by error class",
			},
			[]string{"class"},
		),
		reloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_reload_failures_total",
			Help:      "Total number of failed edge router reloads",
		}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.lastRun,
		m.transitions,
		m.unitErrors,
		m.reloadFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(report *reconcile.RunReport) {
	m.activeRuns.Dec()

	m.runsCompleted.WithLabelValues(report.Status()).Inc()
	m.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	m.lastRun.Set(float64(report.FinishedAt.Unix()))
}

// Transition records one executed transition.
func (m *Metrics) Transition(action reconcile.Action, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		m.unitErrors.WithLabelValues(string(reconcile.Classify(err))).Inc()
	}
	m.transitions.WithLabelValues(string(action), status).Inc()
}

// ReloadFailed records a failed edge router reload.
func (m *Metrics) ReloadFailed() {
	m.reloadFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
