package metrics

import (
	"testing"
	"time"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperationEnqueued(t *testing.T) {
	OperationsEnqueued.Reset()

	tests := []struct {
		name     string
		opType   operation.OperationType
		priority operation.OperationPriority
	}{
		{
			name:     "high priority copy",
			opType:   operation.CopyOperation,
			priority: operation.HighPriority,
		},
		{
			name:     "medium priority delete",
			opType:   operation.DeleteOperation,
			priority: operation.MediumPriority,
		},
		{
			name:     "low priority move",
			opType:   operation.MoveOperation,
			priority: operation.LowPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordOperationEnqueued(tt.opType, tt.priority)

			metric := getCounterValue(t, OperationsEnqueued, string(tt.opType), tt.priority.String())
			assert.Equal(t, 1.0, metric)
		})
	}
}

func TestRecordOperationFinished(t *testing.T) {
	OperationsFinished.Reset()
	OperationDuration.Reset()

	RecordOperationFinished(operation.CopyOperation, operation.CompletedStatus, 2*time.Second)
	RecordOperationFinished(operation.CopyOperation, operation.FailedStatus, 500*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, OperationsFinished, "copy", "completed"))
	assert.Equal(t, 1.0, getCounterValue(t, OperationsFinished, "copy", "failed"))
	assert.Equal(t, 2.0, getHistogramSum(t, OperationDuration, "copy", "completed"))
	assert.Equal(t, 0.5, getHistogramSum(t, OperationDuration, "copy", "failed"))
}

func TestRecordOperationWaitTime(t *testing.T) {
	OperationWaitTime.Reset()

	waits := []time.Duration{10 * time.Millisecond, time.Second, time.Minute}
	for i, w := range waits {
		RecordOperationWaitTime(operation.UpdateOperation, operation.MediumPriority, w)

		metric := getHistogramMetric(t, OperationWaitTime, "update", "medium")
		assert.Equal(t, uint64(i+1), metric.Histogram.GetSampleCount())
	}
}

func TestUpdateOperationGauges_Reset(t *testing.T) {
	OperationsByStatus.Reset()

	UpdateOperationGauges(map[operation.OperationStatus]map[operation.OperationType]int{
		operation.QueuedStatus: {operation.CopyOperation: 5, operation.DeleteOperation: 3},
	})
	UpdateOperationGauges(map[operation.OperationStatus]map[operation.OperationType]int{
		operation.InProgressStatus: {operation.CopyOperation: 2},
	})

	assert.Equal(t, 2.0, getGaugeValue(t, OperationsByStatus, "in_progress", "copy"))
	assert.Equal(t, 0.0, getGaugeValue(t, OperationsByStatus, "queued", "copy"), "stale series dropped")
}

func TestRecordChunk(t *testing.T) {
	ChunksProcessed.Reset()
	ChunkItems.Reset()
	ChunkDuration.Reset()
	ChunkRetries.Reset()

	RecordChunk(operation.CopyOperation, "completed", 98, 2, 250*time.Millisecond)
	RecordChunkRetry(operation.CopyOperation, "rate_limit")

	assert.Equal(t, 1.0, getCounterValue(t, ChunksProcessed, "copy", "completed"))
	assert.Equal(t, 98.0, getCounterValue(t, ChunkItems, "copy", "processed"))
	assert.Equal(t, 2.0, getCounterValue(t, ChunkItems, "copy", "failed"))
	assert.Equal(t, 0.25, getHistogramSum(t, ChunkDuration, "copy"))
	assert.Equal(t, 1.0, getCounterValue(t, ChunkRetries, "copy", "rate_limit"))
}

func TestGauges(t *testing.T) {
	tests := []struct {
		name   string
		update func()
		gauge  prometheus.Gauge
		want   float64
	}{
		{name: "queue depth", update: func() { UpdateQueueDepth(7) }, gauge: QueueDepth, want: 7},
		{name: "active operations", update: func() { UpdateActiveOperations(3) }, gauge: ActiveOperations, want: 3},
		{name: "health score", update: func() { UpdateHealthScore(82.5) }, gauge: HealthScore, want: 82.5},
		{name: "rate", update: func() { UpdateRateLimit(12.5, 4) }, gauge: RateLimitRate, want: 12.5},
		{name: "tokens", update: func() { UpdateRateLimit(12.5, 4) }, gauge: RateLimitTokens, want: 4},
		{name: "pressure level", update: func() { UpdateMemoryPressure(2, 80) }, gauge: MemoryPressureLevel, want: 2},
		{name: "memory percent", update: func() { UpdateMemoryPressure(2, 80) }, gauge: MemoryUsagePercent, want: 80},
		{name: "subscribers", update: func() { UpdateSubscribers(4) }, gauge: Subscribers, want: 4},
		{name: "snapshot bytes", update: func() { RecordStateSave("saved", 2048) }, gauge: StateSnapshotBytes, want: 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.update()

			metric := &dto.Metric{}
			require.NoError(t, tt.gauge.Write(metric))
			assert.Equal(t, tt.want, metric.Gauge.GetValue())
		})
	}
}

func TestRecordRateAdjustment(t *testing.T) {
	RateAdjustments.Reset()

	RecordRateAdjustment("backoff")
	RecordRateAdjustment("backoff")
	RecordRateAdjustment("recovery")

	assert.Equal(t, 2.0, getCounterValue(t, RateAdjustments, "backoff"))
	assert.Equal(t, 1.0, getCounterValue(t, RateAdjustments, "recovery"))
}

func TestRecordBroadcastBatch(t *testing.T) {
	RecordBroadcastBatch(3)

	metric := &dto.Metric{}
	require.NoError(t, BroadcastBatchSize.Write(metric))
	assert.GreaterOrEqual(t, metric.Histogram.GetSampleCount(), uint64(1))
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{
			name:     "successful GET",
			method:   "GET",
			endpoint: "/api/operations",
			status:   "200",
			duration: 50 * time.Millisecond,
		},
		{
			name:     "failed POST",
			method:   "POST",
			endpoint: "/api/operations",
			status:   "500",
			duration: 100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	err = c.Write(metric)
	require.NoError(t, err)
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	err = g.Write(metric)
	require.NoError(t, err)
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := getHistogramMetric(t, histogram, labels...)
	return metric.Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	err = h.Write(metric)
	require.NoError(t, err)
	return metric
}
