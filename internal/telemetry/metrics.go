// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Project: Yggdrasil
//
// Prometheus metric definitions for the preservation service. Tracks ingress,
// lifecycle transitions, batching, pillar operations and quorum outcomes. All
// metrics are prefixed with 'yggdrasil_' for easy identification in dashboards
// and alerting rules.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -------------------------------------------------------------------------
// METRIC DEFINITIONS
// -------------------------------------------------------------------------

var (
	// --- Ingress metrics ---

	// IngressRequestsTotal counts HTTP ingress requests by endpoint and status.
	IngressRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_ingress_requests_total",
			Help: "Total number of ingress HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	// IngressDuration tracks ingress handler latency.
	IngressDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_ingress_duration_seconds",
			Help:    "Ingress request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)

	// QueueDepth tracks messages waiting for the consumer.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yggdrasil_queue_depth",
			Help: "Number of accepted messages waiting to be processed",
		},
	)

	// RateLimitRejectionsTotal counts requests rejected by the rate limiter.
	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yggdrasil_rate_limit_rejections_total",
			Help: "Total number of requests rejected by rate limiting",
		},
	)

	// --- Request processing metrics ---

	// RequestsProcessedTotal counts handled messages by kind and result.
	RequestsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_requests_processed_total",
			Help: "Total number of requests processed by the consumer",
		},
		[]string{"kind", "result"},
	)

	// RequestDuration tracks handler latency by kind.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_request_duration_seconds",
			Help:    "Request handling latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	// LifecycleTransitionsTotal counts reported lifecycle states.
	LifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_lifecycle_transitions_total",
			Help: "Total number of lifecycle transitions by machine and target state",
		},
		[]string{"machine", "state"},
	)

	// NotificationsTotal counts remote notifier calls.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_notifications_total",
			Help: "Total number of lifecycle notifications sent",
		},
		[]string{"status"},
	)

	// --- Packaging metrics ---

	// OpenBatches tracks open containers per collection (0 or 1).
	OpenBatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yggdrasil_open_batches",
			Help: "Number of open batches per collection",
		},
		[]string{"collection"},
	)

	// BatchesFlushedTotal counts batch flushes by collection, trigger and result.
	BatchesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_batches_flushed_total",
			Help: "Total number of batches flushed",
		},
		[]string{"collection", "trigger", "result"},
	)

	// BatchFlushBytes tracks container size at flush.
	BatchFlushBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_batch_flush_bytes",
			Help:    "Container size in bytes at flush",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to 4TB
		},
		[]string{"collection"},
	)

	// BatchFlushAge tracks container age at flush.
	BatchFlushAge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_batch_flush_age_seconds",
			Help:    "Container age in seconds at flush",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		},
		[]string{"collection"},
	)

	// RecordsWrittenTotal counts container records by type.
	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_records_written_total",
			Help: "Total number of container records written",
		},
		[]string{"collection", "type"},
	)

	// --- Pillar metrics ---

	// PillarRequestsTotal counts pillar operations by operation, pillar and status.
	PillarRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_pillar_requests_total",
			Help: "Total number of pillar storage operations",
		},
		[]string{"operation", "pillar", "status"},
	)

	// PillarDuration tracks pillar operation latency.
	PillarDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_pillar_duration_seconds",
			Help:    "Pillar operation latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"operation", "pillar"},
	)

	// PillarBytesTotal counts bytes moved to or from pillars.
	PillarBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_pillar_bytes_total",
			Help: "Total bytes transferred to or from pillars",
		},
		[]string{"operation", "pillar"},
	)

	// --- Storage client metrics ---

	// StorageRequestsTotal counts storage client operations.
	StorageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_storage_requests_total",
			Help: "Total number of storage client operations",
		},
		[]string{"operation", "status"},
	)

	// StorageDuration tracks storage client operation latency.
	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yggdrasil_storage_duration_seconds",
			Help:    "Storage client operation latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"operation"},
	)

	// QuorumOutcomesTotal counts evaluated quorum outcomes.
	QuorumOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_quorum_outcomes_total",
			Help: "Total number of quorum evaluations by result",
		},
		[]string{"operation", "collection", "result"},
	)

	// QuorumPillarFailuresTotal counts pillar failures inside quorum operations,
	// including ones the quorum tolerated.
	QuorumPillarFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_quorum_pillar_failures_total",
			Help: "Total number of pillar failures observed by quorum evaluation",
		},
		[]string{"operation", "collection", "pillar"},
	)

	// --- Durable store metrics ---

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yggdrasil_circuit_breaker_state",
			Help: "Durable store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// CircuitBreakerTransitionsTotal counts circuit state changes.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yggdrasil_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// --- Build info ---

	// BuildInfo exposes version information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yggdrasil_build_info",
			Help: "Build information for Yggdrasil",
		},
		[]string{"version", "go_version"},
	)
)
