package batch

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/calbulk/internal/operation"
)

const (
	bucketWidth       = 25
	minBucketSamples  = 3
	defaultMaxBuckets = 40
)

// BucketStat aggregates finished chunks of one operation type whose planned
// size fell into the same bucket.
type BucketStat struct {
	OperationType operation.OperationType `json:"operationType"`
	ChunkSize     int                     `json:"chunkSize"`
	Chunks        int                     `json:"chunks"`
	Items         int                     `json:"items"`
	Failed        int                     `json:"failed"`
	Seconds       float64                 `json:"seconds"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

func (b BucketStat) Speed() float64 {
	if b.Seconds <= 0 {
		return 0
	}

	return float64(b.Items) / b.Seconds
}

func (b BucketStat) ErrorRate() float64 {
	if b.Items == 0 {
		return 0
	}

	return float64(b.Failed) / float64(b.Items)
}

// Efficiency rewards throughput and penalizes errors quadratically.
func (b BucketStat) Efficiency() float64 {
	q := 1 - b.ErrorRate()
	return b.Speed() * q * q
}

type bucketKey struct {
	opType operation.OperationType
	size   int
}

// History is the historical chunk table used to recommend chunk sizes.
type History struct {
	mu         sync.RWMutex
	buckets    map[bucketKey]*BucketStat
	maxBuckets int
}

func NewHistory() *History {
	return &History{
		buckets:    make(map[bucketKey]*BucketStat),
		maxBuckets: defaultMaxBuckets,
	}
}

func bucketFor(size int) int {
	if size <= bucketWidth {
		return bucketWidth
	}

	return int(math.Round(float64(size)/bucketWidth)) * bucketWidth
}

// Record folds a finished chunk into the bucket for its planned size.
func (h *History) Record(opType operation.OperationType, plannedSize int, m ChunkMetrics) {
	if m.Status != CompletedChunk && m.Status != FailedChunk {
		return
	}

	key := bucketKey{opType: opType, size: bucketFor(plannedSize)}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[key]
	if !ok {
		b = &BucketStat{OperationType: opType, ChunkSize: key.size}
		h.buckets[key] = b
	}
	b.Chunks++
	b.Items += m.Processed + m.Failed
	b.Failed += m.Failed
	b.Seconds += m.EndedAt.Sub(m.StartedAt).Seconds()
	b.UpdatedAt = m.EndedAt

	h.evictLocked()
}

func (h *History) evictLocked() {
	for len(h.buckets) > h.maxBuckets {
		var oldest bucketKey
		var at time.Time
		for k, b := range h.buckets {
			if at.IsZero() || b.UpdatedAt.Before(at) {
				oldest, at = k, b.UpdatedAt
			}
		}
		delete(h.buckets, oldest)
	}
}

// Baseline is the mean speed across all buckets of the operation type.
func (h *History) Baseline(opType operation.OperationType) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var items int
	var seconds float64
	for k, b := range h.buckets {
		if k.opType == opType {
			items += b.Items
			seconds += b.Seconds
		}
	}
	if seconds <= 0 {
		return 0
	}

	return float64(items) / seconds
}

// Recommend returns the bucket size with the best efficiency among buckets
// with enough samples, or fallback when there is no usable history.
func (h *History) Recommend(opType operation.OperationType, fallback int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	best, bestEff := fallback, -1.0
	for k, b := range h.buckets {
		if k.opType != opType || b.Chunks < minBucketSamples {
			continue
		}
		if eff := b.Efficiency(); eff > bestEff {
			best, bestEff = k.size, eff
		}
	}

	return best
}

// Stats lists all buckets ordered by operation type then size.
func (h *History) Stats() []BucketStat {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]BucketStat, 0, len(h.buckets))
	for _, b := range h.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OperationType != out[j].OperationType {
			return out[i].OperationType < out[j].OperationType
		}
		return out[i].ChunkSize < out[j].ChunkSize
	})

	return out
}

func (h *History) Restore(stats []BucketStat) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = make(map[bucketKey]*BucketStat, len(stats))
	for _, s := range stats {
		b := s
		h.buckets[bucketKey{opType: s.OperationType, size: s.ChunkSize}] = &b
	}
	h.evictLocked()
}

// Trim keeps only the keep most recently updated buckets.
func (h *History) Trim(keep int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.maxBuckets
	h.maxBuckets = max(keep, 0)
	h.evictLocked()
	h.maxBuckets = prev
}
