// Package metrics defines the Prometheus collectors exported at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes recorded in filestore_operations_total.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds every collector the service updates. A nil *Metrics is valid
// and records nothing, so packages can be used without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	Operations     *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	BytesWritten   prometheus.Counter
	OrphansRemoved prometheus.Counter
	ActiveUploads  prometheus.Gauge
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status_code", "path"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "path"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "operations_total",
			Help:      "Coordinator operations by outcome",
		}, []string{"op", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by key kind and result",
		}, []string{"kind", "result"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "bytes_written_total",
			Help:      "Bytes committed to the object store",
		}),
		OrphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filestore",
			Name:      "orphans_removed_total",
			Help:      "Objects removed because no metadata record referenced them",
		}),
		ActiveUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "filestore",
			Name:      "active_uploads",
			Help:      "Upload and update requests currently holding a limiter slot",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration, m.Operations, m.CacheLookups,
		m.BytesWritten, m.OrphansRemoved, m.ActiveUploads,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Op records the outcome of a coordinator operation.
func (m *Metrics) Op(op string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

// CacheLookup records a cache hit or miss for kind ("query" or "entity").
func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// Written adds n to the bytes-written counter.
func (m *Metrics) Written(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Orphans adds n to the orphan-removal counter.
func (m *Metrics) Orphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansRemoved.Add(float64(n))
}
