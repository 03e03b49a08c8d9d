// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Key lifecycle metrics
	KeysIssued  prometheus.Counter
	KeysRevoked prometheus.Counter

	// Auth metrics
	AuthSuccesses prometheus.Counter
	AuthFailures  *prometheus.CounterVec
	AuthCacheHits prometheus.Counter

	// Rate limit metrics
	RateLimitHits  *prometheus.CounterVec
	RateLimitSkips prometheus.Counter

	// Query metrics
	QueriesTotal   *prometheus.CounterVec
	QueryRowsTotal prometheus.Counter

	// Storage metrics
	StorageReads     *prometheus.CounterVec
	StorageBytesRead prometheus.Counter

	// Usage metrics
	UsageEventsDropped prometheus.Counter
}

// namespace is the metrics namespace.
const namespace = "xbrl_gateway"

// NewMetrics creates a new Metrics instance with registered metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Request metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		// Key lifecycle metrics
		KeysIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_issued_total",
				Help:      "Total number of API keys issued",
			},
		),
		KeysRevoked: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_revoked_total",
				Help:      "Total number of API keys revoked",
			},
		),

		// Auth metrics
		AuthSuccesses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_successes_total",
				Help:      "Total number of successful authentications",
			},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed authentications",
			},
			[]string{"reason"}, // reason: missing, invalid, expired, revoked
		),
		AuthCacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_cache_hits_total",
				Help:      "Total number of auth context cache hits",
			},
		),

		// Rate limit metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_hits_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"window"}, // window: minute, hour, day
		),
		RateLimitSkips: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_skips_total",
				Help:      "Total number of checks skipped because no limit applied",
			},
		),

		// Query metrics
		QueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of data queries",
			},
			[]string{"table", "outcome"}, // outcome: ok, rejected, error
		),
		QueryRowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_rows_total",
				Help:      "Total number of rows returned by queries",
			},
		),

		// Storage metrics
		StorageReads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_reads_total",
				Help:      "Total number of storage reads",
			},
			[]string{"outcome"}, // outcome: ok, truncated, miss, error
		),
		StorageBytesRead: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_bytes_read_total",
				Help:      "Total bytes served from storage",
			},
		),

		// Usage metrics
		UsageEventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_events_dropped_total",
				Help:      "Total number of usage events dropped due to a full buffer",
			},
		),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method, endpoint string, status int, duration float64) {
	m.RequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess() {
	m.AuthSuccesses.Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit records a denied request and the window that denied it.
func (m *Metrics) RecordRateLimitHit(window string) {
	m.RateLimitHits.WithLabelValues(window).Inc()
}

// RecordQuery records a query outcome.
func (m *Metrics) RecordQuery(table, outcome string, rows int) {
	m.QueriesTotal.WithLabelValues(table, outcome).Inc()
	if rows > 0 {
		m.QueryRowsTotal.Add(float64(rows))
	}
}

// RecordStorageRead records a storage read outcome.
func (m *Metrics) RecordStorageRead(outcome string, bytes int64) {
	m.StorageReads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.StorageBytesRead.Add(float64(bytes))
	}
}
