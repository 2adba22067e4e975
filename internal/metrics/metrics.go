// Package metrics provides Prometheus metrics collection for AssetBridge.
//
// The package exposes metrics at /metrics on the admin listener:
//
// Request Metrics:
//   - assetbridge_requests_total: HTTP requests by method, route and status class
//   - assetbridge_request_duration_seconds: HTTP request latency histogram
//   - assetbridge_proxy_requests_total: Storage proxy responses by bucket and outcome
//
// Resolution Metrics:
//   - assetbridge_resolutions_total: Resolved references by policy source
//   - assetbridge_resolver_cache_hits_total / _misses_total
//   - assetbridge_lazy_migrations_total: Background migrations of legacy assets
//
// Migration Metrics:
//   - assetbridge_uploads_total: Uploads by bucket and result
//   - assetbridge_upload_retries_total: Retried upload attempts
//   - assetbridge_ledger_transitions_total: Ledger state changes
//   - assetbridge_reconcile_runs_total: Reconciliation runs by result
//   - assetbridge_storage_requests_total: Object storage API calls by backend and status
//
// Lifecycle Metrics:
//   - assetbridge_shutdown_steps_total: Shutdown steps by phase and result
//   - assetbridge_shutdown_duration_seconds: Duration of the last shutdown
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts total number of HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration tracks request duration in seconds
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ProxyRequestsTotal counts storage proxy responses
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_proxy_requests_total",
			Help: "Storage proxy responses by bucket and outcome (object or fallback)",
		},
		[]string{"bucket", "outcome"},
	)

	// ResolutionsTotal counts resolved references by the policy that answered
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_resolutions_total",
			Help: "Resolved media references by source policy",
		},
		[]string{"source"},
	)

	// CacheHits tracks resolver cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetbridge_resolver_cache_hits_total",
			Help: "Total number of resolver cache hits",
		},
	)

	// CacheMisses tracks resolver cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetbridge_resolver_cache_misses_total",
			Help: "Total number of resolver cache misses",
		},
	)

	// LazyMigrationsTotal counts background migrations triggered by resolution
	LazyMigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_lazy_migrations_total",
			Help: "Lazy migrations by result (migrated, failed, skipped)",
		},
		[]string{"result"},
	)

	// LazyMigrationsInFlight tracks running lazy migrations
	LazyMigrationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetbridge_lazy_migrations_in_flight",
			Help: "Number of lazy migrations currently running",
		},
	)

	// UploadsTotal counts uploads by bucket and result
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_uploads_total",
			Help: "Uploads by bucket and result (uploaded, exists, failed)",
		},
		[]string{"bucket", "result"},
	)

	// UploadRetries counts retried upload attempts
	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetbridge_upload_retries_total",
			Help: "Total number of retried upload attempts",
		},
	)

	// UploadBytes counts uploaded payload bytes
	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetbridge_upload_bytes_total",
			Help: "Total bytes uploaded to object storage",
		},
	)

	// UploadDuration tracks upload latency including retries
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetbridge_upload_duration_seconds",
			Help:    "Upload duration in seconds including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"bucket"},
	)

	// VerificationsTotal counts verification checks
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_verifications_total",
			Help: "Verification checks by result (verified, failed, skipped)",
		},
		[]string{"result"},
	)

	// LedgerTransitionsTotal counts ledger state changes
	LedgerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_ledger_transitions_total",
			Help: "Ledger record transitions by target status",
		},
		[]string{"status"},
	)

	// LedgerAnomaliesTotal counts refused or suspicious ledger changes
	LedgerAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_ledger_anomalies_total",
			Help: "Ledger anomalies by kind",
		},
		[]string{"kind"},
	)

	// ReconcileRunsTotal counts reconciliation runs
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_reconcile_runs_total",
			Help: "Reconciliation runs by result (success, partial, cancelled, dry_run)",
		},
		[]string{"result"},
	)

	// ReconcileFilesTotal counts files processed by reconciliation
	ReconcileFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_reconcile_files_total",
			Help: "Files processed by reconciliation by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileDuration tracks reconciliation run duration
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetbridge_reconcile_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	// ErrorsTotal tracks total errors by operation
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "error_type"},
	)

	// StorageRequestsTotal counts HTTP calls made to object storage
	StorageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_storage_requests_total",
			Help: "HTTP requests sent to the object storage backend",
		},
		[]string{"backend", "method", "status"},
	)

	// StorageRequestDuration tracks object storage call latency
	StorageRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetbridge_storage_request_duration_seconds",
			Help:    "Object storage request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "method"},
	)

	// ShutdownStepsTotal counts shutdown steps by phase and result
	ShutdownStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbridge_shutdown_steps_total",
			Help: "Shutdown steps by phase and result (ok, error, timeout)",
		},
		[]string{"phase", "result"},
	)

	// ShutdownDuration records how long the last shutdown took
	ShutdownDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetbridge_shutdown_duration_seconds",
			Help: "Duration of the last graceful shutdown in seconds",
		},
	)

	// NodeInfo provides information about this instance
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetbridge_node_info",
			Help: "Information about this AssetBridge instance",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordRequest records a request with its method, route, status, and duration
func RecordRequest(method, route string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, route, statusCodeToString(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordProxy records a storage proxy response. fallback is true when the
// placeholder was served instead of the stored object.
func RecordProxy(bucket string, fallback bool) {
	outcome := "object"
	if fallback {
		outcome = "fallback"
	}

	ProxyRequestsTotal.WithLabelValues(bucket, outcome).Inc()
}

// RecordResolution records which policy resolved a reference
func RecordResolution(source string) {
	ResolutionsTotal.WithLabelValues(source).Inc()
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit() {
	CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss() {
	CacheMisses.Inc()
}

// RecordLazyMigration records the outcome of a lazy migration
func RecordLazyMigration(result string) {
	LazyMigrationsTotal.WithLabelValues(result).Inc()
}

// IncrementLazyInFlight increments the running lazy migration gauge
func IncrementLazyInFlight() {
	LazyMigrationsInFlight.Inc()
}

// DecrementLazyInFlight decrements the running lazy migration gauge
func DecrementLazyInFlight() {
	LazyMigrationsInFlight.Dec()
}

// RecordUpload records a finished upload
func RecordUpload(bucket, result string, bytes int64, duration time.Duration) {
	UploadsTotal.WithLabelValues(bucket, result).Inc()
	UploadDuration.WithLabelValues(bucket).Observe(duration.Seconds())

	if bytes > 0 {
		UploadBytes.Add(float64(bytes))
	}
}

// RecordUploadRetry increments the retried upload counter
func RecordUploadRetry() {
	UploadRetries.Inc()
}

// RecordVerification records a verification check result
func RecordVerification(result string) {
	VerificationsTotal.WithLabelValues(result).Inc()
}

// RecordLedgerTransition records a ledger state change
func RecordLedgerTransition(status string) {
	LedgerTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordLedgerAnomaly records a refused or unexpected ledger change
func RecordLedgerAnomaly(kind string) {
	LedgerAnomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordReconcileRun records a finished reconciliation run
func RecordReconcileRun(result string, duration time.Duration) {
	ReconcileRunsTotal.WithLabelValues(result).Inc()
	ReconcileDuration.Observe(duration.Seconds())
}

// AddReconcileFiles adds n files with outcome to the reconciliation counter
func AddReconcileFiles(outcome string, n int) {
	if n > 0 {
		ReconcileFilesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordError records an error
func RecordError(operation, errorType string) {
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordStorageRequest records one call to the object storage API. A zero
// status means the request failed before a response arrived.
func RecordStorageRequest(backend, method string, status int, duration time.Duration) {
	class := "transport_error"
	if status != 0 {
		class = statusCodeToString(status)
	}

	StorageRequestsTotal.WithLabelValues(backend, method, class).Inc()
	StorageRequestDuration.WithLabelValues(backend, method).Observe(duration.Seconds())
}

// RecordShutdownStep records the outcome of one shutdown step
func RecordShutdownStep(phase, result string) {
	ShutdownStepsTotal.WithLabelValues(phase, result).Inc()
}

// SetShutdownDuration records the total shutdown duration
func SetShutdownDuration(d time.Duration) {
	ShutdownDuration.Set(d.Seconds())
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
