// Package metrics defines custom Prometheus metrics for driftstore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// S3 operation metrics.
var (
	// S3OperationsTotal counts S3 operations by operation name and status.
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_s3_operations_total",
			Help: "S3 operations by type",
		},
		[]string{"operation", "status"},
	)

	// QuotaRejectionsTotal counts writes rejected by the bucket quota.
	QuotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftstore_quota_rejections_total",
			Help: "Writes rejected because the bucket quota was exceeded",
		},
	)
)

// Write-ahead log metrics.
var (
	// WALQueueDepth tracks records waiting in the WAL channel.
	WALQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftstore_wal_queue_depth",
			Help: "Records waiting to be written to the WAL",
		},
	)

	// WALRecordsTotal counts records written to the WAL by operation.
	WALRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_wal_records_total",
			Help: "Records written to the WAL by operation",
		},
		[]string{"operation"},
	)

	// WALDroppedTotal counts records dropped because the WAL queue was full.
	WALDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftstore_wal_dropped_total",
			Help: "WAL records dropped due to a full queue",
		},
	)
)

// Replication metrics.
var (
	// ReplicationShippedTotal counts records shipped to peers by peer node ID.
	ReplicationShippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_replication_shipped_total",
			Help: "WAL records shipped to peers",
		},
		[]string{"peer"},
	)

	// ReplicationAppliedTotal counts incoming records applied locally by source node.
	ReplicationAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_replication_applied_total",
			Help: "Incoming replicated records applied locally",
		},
		[]string{"source"},
	)

	// ReplicationErrorsTotal counts per-peer shipping failures.
	ReplicationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftstore_replication_errors_total",
			Help: "Replication shipping failures by peer",
		},
		[]string{"peer"},
	)
)

// Housekeeper metrics.
var (
	// HousekeeperRemovedTotal counts empty directories removed by the sweeper.
	HousekeeperRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftstore_housekeeper_removed_total",
			Help: "Empty directories removed by the housekeeper",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			S3OperationsTotal,
			QuotaRejectionsTotal,
			WALQueueDepth,
			WALRecordsTotal,
			WALDroppedTotal,
			ReplicationShippedTotal,
			ReplicationAppliedTotal,
			ReplicationErrorsTotal,
			HousekeeperRemovedTotal,
		)
		// Initialize S3OperationsTotal so it appears in /metrics output
		// even before any S3 operations have been performed.
		S3OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket/object names.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := path
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return "/"
	}

	// First slash separates bucket from key.
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "/{bucket}"
	}
	keyPart := trimmed[idx+1:]
	if keyPart == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
