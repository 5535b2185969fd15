// Package metrics holds the Prometheus collectors the runner exposes
// alongside its JSON status file: pool occupancy (how many namespaces
// and overlays are pre-warmed and ready) and job throughput (started
// and completed counts, the latter labelled by outcome, and an
// in-flight gauge).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for one runner process,
// registered against their own registry rather than the global default
// so a test (or an embedding program) can create more than one without
// a duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted   prometheus.Counter
	JobsCompleted *prometheus.CounterVec
	JobsActive    prometheus.Gauge

	NetnsAvailable   prometheus.Gauge
	OverlayAvailable prometheus.Gauge
}

// Registry returns the registry collectors were registered against, for
// building a promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// New creates and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ocxrun_jobs_started_total",
			Help: "Total number of jobs claimed and spawned.",
		}),

		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocxrun_jobs_completed_total",
				Help: "Total number of jobs that finished running.",
			},
			[]string{"outcome"}, // outcome: completed, panic
		),

		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocxrun_jobs_active",
			Help: "Number of jobs currently executing.",
		}),

		NetnsAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocxrun_netns_pool_available",
			Help: "Number of pre-warmed network namespaces ready for immediate acquisition.",
		}),

		OverlayAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ocxrun_overlay_pool_available",
			Help: "Number of pre-warmed overlay images ready for immediate acquisition.",
		}),
	}
}

// RecordJobStarted increments the started counter and the active gauge.
func (m *Metrics) RecordJobStarted() {
	m.JobsStarted.Inc()
	m.JobsActive.Inc()
}

// RecordJobFinished decrements the active gauge and increments the
// completed counter under outcome ("completed" or "panic").
func (m *Metrics) RecordJobFinished(outcome string) {
	m.JobsActive.Dec()
	m.JobsCompleted.WithLabelValues(outcome).Inc()
}

// PoolFactory reports current pool occupancy; *sandbox.Factory
// satisfies it.
type PoolFactory interface {
	NetnsAvailable() int
	OverlayAvailable() int
}

// SetPoolGauges sets the pool-occupancy gauges from factory's current
// state. Call periodically; Factory's accessors are safe to call from
// any goroutine.
func (m *Metrics) SetPoolGauges(factory PoolFactory) {
	m.NetnsAvailable.Set(float64(factory.NetnsAvailable()))
	m.OverlayAvailable.Set(float64(factory.OverlayAvailable()))
}
