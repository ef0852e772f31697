package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/agentbox/pkg/engine"
)

const namespace = "agentbox"

// Metrics provides Prometheus metrics for agentbox runs.
//
// agentbox is a one-shot process, so metrics live in a private registry and
// are written out once per run with WriteTextfile.
type Metrics struct {
	modules             *prometheus.CounterVec
	stepAttempts        *prometheus.CounterVec
	integrityViolations prometheus.Counter
	runDuration         *prometheus.HistogramVec
	lastRun             *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		modules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_total",
				Help:      "Total number of module results by status",
			},
			[]string{"status"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts by result",
			},
			[]string{"result"},
		),
		integrityViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_violations_total",
				Help:      "Total number of verified installer payloads whose hash did not match the pin",
			},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"status"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.modules,
		m.stepAttempts,
		m.integrityViolations,
		m.runDuration,
		m.lastRun,
	)

	return m
}

// RecordModule counts a module result.
func (m *Metrics) RecordModule(status engine.ModuleStatus) {
	m.modules.WithLabelValues(string(status)).Inc()
}

// RecordStepAttempt counts one step attempt.
func (m *Metrics) RecordStepAttempt(result string) {
	m.stepAttempts.WithLabelValues(result).Inc()
}

// RecordIntegrityViolation counts a pinned-hash mismatch.
func (m *Metrics) RecordIntegrityViolation() {
	m.integrityViolations.Inc()
}

// RecordRun observes a finished run.
func (m *Metrics) RecordRun(state engine.RunState, duration time.Duration) {
	m.runDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
	m.lastRun.Reset()
	m.lastRun.WithLabelValues(string(state)).SetToCurrentTime()
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry in the text exposition format for the
// node exporter textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

var _ engine.Metrics = (*Metrics)(nil)
