// Package metrics exposes Prometheus collectors for index lifecycle work.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "searchsync"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	docsIngested   *prometheus.CounterVec
	batches        *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	migrations     *prometheus.CounterVec
	indicesDeleted *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		docsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "documents_total",
			Help:      "Documents accepted by the search engine.",
		}, []string{"app"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "batches_total",
			Help:      "Bulk batches sent, by result.",
		}, []string{"app", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of full syncs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"app", "result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrate",
			Name:      "checks_total",
			Help:      "Migration checks, by outcome.",
		}, []string{"app", "outcome"}),
		indicesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrate",
			Name:      "indices_deleted_total",
			Help:      "Retired physical indices deleted during cleanup.",
		}, []string{"app"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Background jobs finished, by kind and status.",
		}, []string{"kind", "status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Background jobs currently running.",
		}),
	}
	m.registry.MustRegister(
		m.docsIngested, m.batches, m.syncDuration,
		m.migrations, m.indicesDeleted,
		m.jobs, m.jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BatchSent(app string, docs int) {
	if m == nil {
		return
	}
	m.docsIngested.WithLabelValues(app).Add(float64(docs))
	m.batches.WithLabelValues(app, "ok").Inc()
}

func (m *Metrics) BatchFailed(app string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(app, "error").Inc()
}

func (m *Metrics) SyncFinished(app string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(app, result(err)).Observe(d.Seconds())
}

// Migration records the outcome of one migration check, e.g. "current",
// "migrated", "bootstrapped", "resync_scheduled" or "error".
func (m *Metrics) Migration(app, outcome string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(app, outcome).Inc()
}

func (m *Metrics) IndexDeleted(app string) {
	if m == nil {
		return
	}
	m.indicesDeleted.WithLabelValues(app).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(kind string, err error) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobs.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
