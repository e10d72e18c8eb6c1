// Package metrics provides Prometheus metrics for monitoring the bulk operation coordinator.
package metrics

import (
	"time"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_operations_enqueued_total",
			Help: "Total number of bulk operations enqueued",
		},
		[]string{"type", "priority"},
	)
	OperationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_operations_finished_total",
			Help: "Total number of bulk operations that reached a terminal status",
		},
		[]string{"type", "status"},
	)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calbulk_operation_duration_seconds",
			Help:    "Bulk operation execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type", "status"},
	)
	OperationWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calbulk_operation_wait_time_seconds",
			Help:    "Time operations spend queued before becoming active",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"type", "priority"},
	)
	OperationsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calbulk_operations",
			Help: "Current number of tracked operations by status",
		},
		[]string{"status", "type"},
	)
	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_chunks_total",
			Help: "Total number of chunks by terminal status",
		},
		[]string{"type", "status"},
	)
	ChunkItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_chunk_items_total",
			Help: "Items submitted through chunks by outcome",
		},
		[]string{"type", "outcome"},
	)
	ChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calbulk_chunk_duration_seconds",
			Help:    "Chunk execution duration in seconds, retries included",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)
	ChunkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_chunk_retries_total",
			Help: "Total number of chunk retries by error category",
		},
		[]string{"type", "category"},
	)
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_errors_classified_total",
			Help: "Total number of classified failures",
		},
		[]string{"category"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_queue_depth",
			Help: "Current number of queued operations",
		},
	)
	ActiveOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_active_operations",
			Help: "Number of operations currently holding a concurrency slot",
		},
	)
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_health_score",
			Help: "Queue health score between 0 and 100",
		},
	)
	RateLimitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_rate_limit_rate",
			Help: "Currently admitted remote calls per second",
		},
	)
	RateLimitTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_rate_limit_tokens",
			Help: "Tokens currently available in the bucket",
		},
	)
	RateAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_rate_adjustments_total",
			Help: "Total number of rate adjustments by reason",
		},
		[]string{"reason"},
	)
	MemoryPressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_memory_pressure_level",
			Help: "Memory pressure level (0 low, 1 moderate, 2 high, 3 critical)",
		},
	)
	MemoryUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_memory_usage_percent",
			Help: "Memory usage as a percentage of the configured budget",
		},
	)
	StateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_state_saves_total",
			Help: "Total number of state snapshot saves by outcome",
		},
		[]string{"outcome"},
	)
	StateSnapshotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_state_snapshot_bytes",
			Help: "Size of the last saved state snapshot",
		},
	)
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calbulk_stream_subscribers",
			Help: "Number of connected progress subscribers",
		},
	)
	BroadcastBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calbulk_broadcast_batch_size",
			Help:    "Number of events per batched broadcast message",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calbulk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calbulk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordOperationEnqueued(opType operation.OperationType, priority operation.OperationPriority) {
	OperationsEnqueued.WithLabelValues(string(opType), priority.String()).Inc()
}

func RecordOperationFinished(opType operation.OperationType, status operation.OperationStatus, duration time.Duration) {
	OperationsFinished.WithLabelValues(string(opType), string(status)).Inc()
	OperationDuration.WithLabelValues(string(opType), string(status)).Observe(duration.Seconds())
}

func RecordOperationWaitTime(opType operation.OperationType, priority operation.OperationPriority, wait time.Duration) {
	OperationWaitTime.WithLabelValues(string(opType), priority.String()).Observe(wait.Seconds())
}

func UpdateOperationGauges(byStatus map[operation.OperationStatus]map[operation.OperationType]int) {
	OperationsByStatus.Reset()
	for status, types := range byStatus {
		for opType, count := range types {
			OperationsByStatus.WithLabelValues(string(status), string(opType)).Set(float64(count))
		}
	}
}

func RecordChunk(opType operation.OperationType, status string, processed, failed int, duration time.Duration) {
	ChunksProcessed.WithLabelValues(string(opType), status).Inc()
	ChunkItems.WithLabelValues(string(opType), "processed").Add(float64(processed))
	ChunkItems.WithLabelValues(string(opType), "failed").Add(float64(failed))
	ChunkDuration.WithLabelValues(string(opType)).Observe(duration.Seconds())
}

func RecordChunkRetry(opType operation.OperationType, category string) {
	ChunkRetries.WithLabelValues(string(opType), category).Inc()
}

func RecordClassifiedError(category string) {
	ErrorsClassified.WithLabelValues(category).Inc()
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateActiveOperations(count int) {
	ActiveOperations.Set(float64(count))
}

func UpdateHealthScore(score float64) {
	HealthScore.Set(score)
}

func UpdateRateLimit(rate, tokens float64) {
	RateLimitRate.Set(rate)
	RateLimitTokens.Set(tokens)
}

func RecordRateAdjustment(reason string) {
	RateAdjustments.WithLabelValues(reason).Inc()
}

func UpdateMemoryPressure(level int, percent float64) {
	MemoryPressureLevel.Set(float64(level))
	MemoryUsagePercent.Set(percent)
}

func RecordStateSave(outcome string, size int) {
	StateSaves.WithLabelValues(outcome).Inc()
	if size > 0 {
		StateSnapshotBytes.Set(float64(size))
	}
}

func UpdateSubscribers(count int) {
	Subscribers.Set(float64(count))
}

func RecordBroadcastBatch(size int) {
	BroadcastBatchSize.Observe(float64(size))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
