package batch

import (
	"math"
	"time"

	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/remote"
)

type ChunkStatus string

const (
	PendingChunk    ChunkStatus = "pending"
	ProcessingChunk ChunkStatus = "processing"
	RetryingChunk   ChunkStatus = "retrying"
	CompletedChunk  ChunkStatus = "completed"
	FailedChunk     ChunkStatus = "failed"
	CancelledChunk  ChunkStatus = "cancelled"
)

// Chunk addresses items[Start:End] of an operation.
type Chunk struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

func (c Chunk) Len() int {
	return c.End - c.Start
}

// Split cuts total items into ordered chunks of size; the last chunk holds
// the remainder.
func Split(total, size int) []Chunk {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}

	chunks := make([]Chunk, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   min(start+size, total),
		})
	}

	return chunks
}

const (
	largeOperation    = 1000
	largeChunkCeiling = 250
	smallOperation    = 50
)

// AdjustChunkSize tunes a memory-derived chunk size for the operation size:
// chunks of large operations are capped at largeChunkCeiling, small ones go
// out in a single call.
func AdjustChunkSize(base, total int) int {
	size := max(base, 1)

	switch {
	case total > largeOperation:
		size = min(size, largeChunkCeiling)
	case total < smallOperation:
		size = max(size, total)
	}

	return min(max(size, 1), remote.MaxBatchSize)
}

type ChunkMetrics struct {
	Index            int                       `json:"index"`
	ItemCount        int                       `json:"itemCount"`
	Processed        int                       `json:"processed"`
	Failed           int                       `json:"failed"`
	RetryAttempts    int                       `json:"retryAttempts"`
	Speed            float64                   `json:"speed"`
	Status           ChunkStatus               `json:"status"`
	ErrorCategories  map[errclass.Category]int `json:"errorCategories,omitempty"`
	PerformanceScore float64                   `json:"performanceScore"`
	StartedAt        time.Time                 `json:"startedAt"`
	EndedAt          time.Time                 `json:"endedAt"`
}

func newChunkMetrics(c Chunk) *ChunkMetrics {
	return &ChunkMetrics{
		Index:           c.Index,
		ItemCount:       c.Len(),
		Status:          PendingChunk,
		ErrorCategories: make(map[errclass.Category]int),
	}
}

func (m *ChunkMetrics) ErrorRate() float64 {
	if m.ItemCount == 0 {
		return 0
	}

	return float64(m.Failed) / float64(m.ItemCount)
}

// finalize stamps the terminal status and derives speed and a 0-100 score
// against baseline items per second. Without a baseline the score reflects
// only the error rate.
func (m *ChunkMetrics) finalize(status ChunkStatus, baseline float64) {
	m.Status = status
	m.EndedAt = time.Now()

	if d := m.EndedAt.Sub(m.StartedAt).Seconds(); d > 0 {
		m.Speed = float64(m.Processed+m.Failed) / d
	}

	quality := 1 - m.ErrorRate()
	if baseline <= 0 {
		m.PerformanceScore = math.Round(quality * 100)
		return
	}

	ratio := math.Min(m.Speed/baseline, 1.5) / 1.5
	m.PerformanceScore = math.Round(math.Min(100, (ratio*0.6+quality*0.4)*100))
}
