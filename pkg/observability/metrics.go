package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// The Record* helpers are safe to call on a nil *Metrics so components can
// take metrics as an optional dependency.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Resolution metrics
	TenantResolutionsTotal   *prometheus.CounterVec
	TenantResolutionDuration *prometheus.HistogramVec
	TenantRedirectsTotal     *prometheus.CounterVec

	// Cache metrics
	TenantCacheHitsTotal      prometheus.Counter
	TenantCacheMissesTotal    prometheus.Counter
	TenantCacheEvictionsTotal prometheus.Counter
	TenantCacheEntries        prometheus.Gauge
	NegativeCacheHitsTotal    prometheus.Counter
	InvalidationsTotal        *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	// Permission metrics
	PermissionChecksTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenancy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenancy_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method"},
		),

		TenantResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_resolutions_total",
				Help: "Total number of host resolutions by outcome",
			},
			[]string{"outcome"},
		),
		TenantResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenancy_resolution_duration_seconds",
				Help:    "Host resolution duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .5},
			},
			[]string{"source"},
		),
		TenantRedirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_redirects_total",
				Help: "Total number of canonicalizing redirects",
			},
			[]string{"reason"},
		),

		TenantCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenancy_cache_hits_total",
				Help: "Total number of tenant cache hits",
			},
		),
		TenantCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenancy_cache_misses_total",
				Help: "Total number of tenant cache misses",
			},
		),
		TenantCacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenancy_cache_evictions_total",
				Help: "Total number of tenant cache keys evicted",
			},
		),
		TenantCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenancy_cache_entries",
				Help: "Current number of domain keys in the tenant cache",
			},
		),
		NegativeCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenancy_negative_cache_hits_total",
				Help: "Total number of lookups answered by the unknown-host cache",
			},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_invalidations_total",
				Help: "Total number of cross-process cache invalidations",
			},
			[]string{"direction", "status"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenancy_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenancy_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenancy_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenancy_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenancy_permission_checks_total",
				Help: "Total number of permission checks by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.TenantResolutionsTotal,
		m.TenantResolutionDuration,
		m.TenantRedirectsTotal,
		m.TenantCacheHitsTotal,
		m.TenantCacheMissesTotal,
		m.TenantCacheEvictionsTotal,
		m.TenantCacheEntries,
		m.NegativeCacheHitsTotal,
		m.InvalidationsTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.PermissionChecksTotal,
	)

	return m
}

// RecordTenantCacheHit counts a positive cache hit
func (m *Metrics) RecordTenantCacheHit() {
	if m == nil {
		return
	}
	m.TenantCacheHitsTotal.Inc()
}

// RecordTenantCacheMiss counts a positive cache miss
func (m *Metrics) RecordTenantCacheMiss() {
	if m == nil {
		return
	}
	m.TenantCacheMissesTotal.Inc()
}

// RecordTenantCacheEviction counts evicted domain keys
func (m *Metrics) RecordTenantCacheEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TenantCacheEvictionsTotal.Add(float64(n))
}

// SetTenantCacheEntries sets the cache size gauge
func (m *Metrics) SetTenantCacheEntries(n int) {
	if m == nil {
		return
	}
	m.TenantCacheEntries.Set(float64(n))
}

// RecordNegativeCacheHit counts a lookup short-circuited as a known miss
func (m *Metrics) RecordNegativeCacheHit() {
	if m == nil {
		return
	}
	m.NegativeCacheHitsTotal.Inc()
}

// RecordResolution counts a resolution outcome
// (hostname, alias, not_found, missing_host, error).
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.TenantResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolution records the duration of a resolution served from source
// (cache or store)
func (m *Metrics) ObserveResolution(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.TenantResolutionDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordRedirect counts a canonicalizing redirect
func (m *Metrics) RecordRedirect(reason string) {
	if m == nil {
		return
	}
	m.TenantRedirectsTotal.WithLabelValues(reason).Inc()
}

// RecordInvalidation counts a published or received invalidation message
func (m *Metrics) RecordInvalidation(direction string, err error) {
	if m == nil {
		return
	}
	m.InvalidationsTotal.WithLabelValues(direction, statusLabel(err)).Inc()
}

// RecordStorageOperation records a repository call
func (m *Metrics) RecordStorageOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordPermissionCheck counts an allowed or denied permission check
func (m *Metrics) RecordPermissionCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(result).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Paths are deliberately left out of the labels.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
