package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// Import outcomes recorded in stixwb_imports_total.
const (
	outcomePersisted = "persisted"
	outcomeDryRun    = "dry_run"
	outcomeRejected  = "rejected"
	outcomeConflict  = "conflict"
	outcomeError     = "error"
)

// Metrics holds the Prometheus collectors of one server instance. Each
// instance owns its registry so handlers can be built repeatedly in tests.
type Metrics struct {
	registry *prometheus.Registry

	ImportsTotal        *prometheus.CounterVec
	ImportObjectsTotal  *prometheus.CounterVec
	ExportsTotal        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.ImportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stixwb_imports_total",
			Help: "Total number of collection bundle imports by outcome",
		},
		[]string{"outcome"},
	)

	m.ImportObjectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stixwb_import_objects_total",
			Help: "Total number of imported bundle objects by category",
		},
		[]string{"category"},
	)

	m.ExportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stixwb_exports_total",
			Help: "Total number of bundle exports by kind",
		},
		[]string{"kind"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stixwb_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordImport counts one import attempt and, when it produced categories,
// the objects in each.
func (m *Metrics) RecordImport(outcome string, c *models.ImportCategories) {
	m.ImportsTotal.WithLabelValues(outcome).Inc()
	if c == nil {
		return
	}
	m.ImportObjectsTotal.WithLabelValues("addition").Add(float64(len(c.Additions)))
	m.ImportObjectsTotal.WithLabelValues("change").Add(float64(len(c.Changes)))
	m.ImportObjectsTotal.WithLabelValues("duplicate").Add(float64(len(c.Duplicates)))
	m.ImportObjectsTotal.WithLabelValues("error").Add(float64(len(c.Errors)))
}

// instrument records the latency of h under a fixed route label.
func (m *Metrics) instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(rw, r)
		m.HTTPRequestDuration.WithLabelValues(route, statusClass(rw.statusCode)).Observe(time.Since(start).Seconds())
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
