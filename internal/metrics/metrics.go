// Package metrics exposes Prometheus instrumentation for the gateway:
// HTTP request metrics, extractor/coalescing metrics, and system-level
// gauges collected on a background ticker.
package metrics

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	extractionsTotal   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	extractionErrors   *prometheus.CounterVec

	coalesceHits   *prometheus.CounterVec
	coalesceMisses *prometheus.CounterVec

	cacheEntriesTotal *prometheus.GaugeVec
	orphansRemoved    prometheus.Counter

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. Useful in tests to avoid metric registration conflicts
// between parallel test cases.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		extractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractions_total",
				Help: "Total number of extractor invocations",
			},
			[]string{"mode"}, // "pipe", "file" or "ws"
		),
		extractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extraction_duration_seconds",
				Help:    "Extractor invocation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"mode"},
		),
		extractionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_errors_total",
				Help: "Total number of extractor invocations ending in a non-success classification",
			},
			[]string{"kind"}, // "exit" or "signal"
		),
		coalesceHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coalesce_hits_total",
				Help: "Total number of requests served without starting a new extraction",
			},
			[]string{"status"}, // "QUEUED", "RUNNING", "COMPLETED"
		),
		coalesceMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coalesce_misses_total",
				Help: "Total number of requests that started a new extraction",
			},
			[]string{"reason"}, // "miss", "stale_completed", "retry_failed"
		),
		cacheEntriesTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_entries_total",
				Help: "Number of cache entries known to the maintainer, by status",
			},
			[]string{"status"},
		),
		orphansRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_orphans_removed_total",
				Help: "Total number of on-disk artifacts removed by the cache maintainer's Clean pass",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	m.httpRequestsTotal.WithLabelValues(method, label, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, label, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to a stable label. The
// worker surface is "/" plus per-uid log paths, so everything that isn't
// the root collapses to "/*" — uids must never become label values.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	return "/*"
}

// RecordExtraction records one extractor invocation's outcome.
func (m *Metrics) RecordExtraction(mode string, duration time.Duration, errKind string) {
	m.extractionsTotal.WithLabelValues(mode).Inc()
	m.extractionDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if errKind != "" {
		m.extractionErrors.WithLabelValues(errKind).Inc()
	}
}

// RecordCoalesceHit records a request served without starting extraction.
func (m *Metrics) RecordCoalesceHit(status string) {
	m.coalesceHits.WithLabelValues(status).Inc()
}

// RecordCoalesceMiss records a request that started a fresh extraction.
func (m *Metrics) RecordCoalesceMiss(reason string) {
	m.coalesceMisses.WithLabelValues(reason).Inc()
}

// SetCacheEntries sets the gauge for the current number of entries in a
// given status, as observed by the cache maintainer's periodic sweep.
func (m *Metrics) SetCacheEntries(status string, count float64) {
	m.cacheEntriesTotal.WithLabelValues(status).Set(count)
}

// RecordOrphansRemoved increments the orphan-cleanup counter by n.
func (m *Metrics) RecordOrphansRemoved(n int) {
	m.orphansRemoved.Add(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
