// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/accountdeck/schema"
)

const namespace = "accountdeck"

// Metrics holds the engine collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SurfaceCreates   *prometheus.CounterVec
	SurfaceCreateDur prometheus.Histogram
	Evictions        *prometheus.CounterVec
	SurfacesActive   prometheus.Gauge
	SurfacesPooled   prometheus.Gauge
	SurfacesCreating prometheus.Gauge

	HealthChecks   *prometheus.CounterVec
	HealthCheckDur prometheus.Histogram

	Recoveries      *prometheus.CounterVec
	RecoveryDur     *prometheus.HistogramVec
	EventsPublished *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SurfaceCreates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "surface_creates_total",
				Help:      "Surface creations by outcome",
			},
			[]string{"status"},
		),
		SurfaceCreateDur: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "surface_create_duration_seconds",
				Help:      "Surface creation time in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "surface_evictions_total",
				Help:      "Surfaces destroyed or suspended to make room",
			},
			[]string{"reason"},
		),
		SurfacesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "surfaces_active",
				Help:      "Surfaces currently visible and live",
			},
		),
		SurfacesPooled: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "surfaces_pooled",
				Help:      "Suspended surfaces kept for fast reactivation",
			},
		),
		SurfacesCreating: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "surfaces_creating",
				Help:      "Surfaces being created",
			},
		),
		HealthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Connection health checks by resulting state",
			},
			[]string{"state"},
		),
		HealthCheckDur: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_check_duration_seconds",
				Help:      "Connection health check time in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Recovery operations by operation and outcome",
			},
			[]string{"operation", "status", "category"},
		),
		RecoveryDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery operation time in seconds",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"operation"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Engine events by type",
			},
			[]string{"type"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCreate records a surface creation attempt.
func (m *Metrics) ObserveCreate(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SurfaceCreates.WithLabelValues(status).Inc()
	m.SurfaceCreateDur.Observe(d.Seconds())
}

// ObserveEviction records a surface evicted to make room.
func (m *Metrics) ObserveEviction(reason string) {
	m.Evictions.WithLabelValues(reason).Inc()
}

// ObserveSurfaces updates the surface gauges.
func (m *Metrics) ObserveSurfaces(stats schema.PerformanceStats) {
	m.SurfacesActive.Set(float64(stats.ActiveCount))
	m.SurfacesPooled.Set(float64(stats.PooledCount))
	m.SurfacesCreating.Set(float64(stats.CreatingCount))
}

// ObserveCheck records a health check result.
func (m *Metrics) ObserveCheck(state schema.ConnectionState, d time.Duration) {
	m.HealthChecks.WithLabelValues(string(state)).Inc()
	m.HealthCheckDur.Observe(d.Seconds())
}

// ObserveRecovery records a finished recovery operation.
func (m *Metrics) ObserveRecovery(res schema.RecoveryResult) {
	status := "ok"
	if !res.Success {
		status = "error"
	}
	m.Recoveries.WithLabelValues(string(res.Operation), status, string(res.Category)).Inc()
	m.RecoveryDur.WithLabelValues(string(res.Operation)).Observe(res.Duration.Seconds())
}

// Publish counts an engine event. It lets Metrics sit in an event sink chain.
func (m *Metrics) Publish(ev schema.Event) {
	m.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}
