// Package memory tracks approximate heap pressure against a configured budget
// and derives chunk sizing and concurrency recommendations from it.
package memory

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/calbulk/internal/metrics"
)

type Level string

const (
	LowPressure      Level = "low"
	ModeratePressure Level = "moderate"
	HighPressure     Level = "high"
	CriticalPressure Level = "critical"
)

// LevelFor maps usage as a percentage of the budget to a pressure level.
func LevelFor(percent float64) Level {
	switch {
	case percent >= 90:
		return CriticalPressure
	case percent >= 75:
		return HighPressure
	case percent >= 50:
		return ModeratePressure
	default:
		return LowPressure
	}
}

func (l Level) ChunkMultiplier() float64 {
	switch l {
	case ModeratePressure:
		return 0.7
	case HighPressure:
		return 0.5
	case CriticalPressure:
		return 0.3
	default:
		return 1.0
	}
}

// ConcurrencyCap scales the configured concurrency down for the level.
func (l Level) ConcurrencyCap(base int) int {
	if base < 1 {
		base = 1
	}

	switch l {
	case ModeratePressure:
		return max(1, int(math.Floor(float64(base)*0.8)))
	case HighPressure:
		return max(1, int(math.Floor(float64(base)*0.7)))
	case CriticalPressure:
		return 1
	default:
		return base
	}
}

func (l Level) ordinal() int {
	switch l {
	case ModeratePressure:
		return 1
	case HighPressure:
		return 2
	case CriticalPressure:
		return 3
	default:
		return 0
	}
}

// Sampler reports current heap usage. ok is false when no host metric is
// available, in which case in-flight buffer sizes are used instead.
type Sampler interface {
	HeapBytes() (bytes uint64, ok bool)
}

type RuntimeSampler struct{}

func (RuntimeSampler) HeapBytes() (uint64, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, true
}

type Config struct {
	BudgetBytes      uint64        `yaml:"budget_bytes"`
	BaseChunkSize    int           `yaml:"base_chunk_size"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	CleanupThreshold float64       `yaml:"cleanup_threshold"`
}

func DefaultConfig() Config {
	return Config{
		BudgetBytes:      512 << 20,
		BaseChunkSize:    100,
		SampleInterval:   10 * time.Second,
		CleanupThreshold: 60,
	}
}

type Stats struct {
	UsedBytes       uint64    `json:"usedBytes"`
	BudgetBytes     uint64    `json:"budgetBytes"`
	Percent         float64   `json:"percent"`
	Level           Level     `json:"level"`
	ChunkMultiplier float64   `json:"chunkMultiplier"`
	ShouldCleanup   bool      `json:"shouldCleanup"`
	Estimated       bool      `json:"estimated"`
	SampledAt       time.Time `json:"sampledAt"`
}

// CleanupFunc releases caches when pressure demands it.
type CleanupFunc func(level Level)

type Monitor struct {
	cfg      Config
	sampler  Sampler
	inflight atomic.Int64
	log      *slog.Logger

	mu       sync.RWMutex
	stats    Stats
	cleanups []CleanupFunc
}

func NewMonitor(cfg Config, sampler Sampler, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.BudgetBytes == 0 {
		cfg.BudgetBytes = def.BudgetBytes
	}
	if cfg.BaseChunkSize <= 0 {
		cfg.BaseChunkSize = def.BaseChunkSize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.CleanupThreshold <= 0 {
		cfg.CleanupThreshold = def.CleanupThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		log:     logger.With("component", "memory"),
		stats: Stats{
			BudgetBytes:     cfg.BudgetBytes,
			Level:           LowPressure,
			ChunkMultiplier: 1,
		},
	}
}

// OnCleanup registers a function run by Sample when cleanup is due.
func (m *Monitor) OnCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// TrackBuffer adjusts the estimate of bytes held by in-flight item buffers.
func (m *Monitor) TrackBuffer(delta int64) {
	m.inflight.Add(delta)
}

// Sample takes a reading, updates the level and runs cleanup if it is due.
func (m *Monitor) Sample() Stats {
	used, ok := uint64(0), false
	if m.sampler != nil {
		used, ok = m.sampler.HeapBytes()
	}
	if !ok {
		used = uint64(max(m.inflight.Load(), 0))
	}

	percent := float64(used) / float64(m.cfg.BudgetBytes) * 100
	level := LevelFor(percent)
	cleanup := level == HighPressure || level == CriticalPressure ||
		(level == ModeratePressure && percent > m.cfg.CleanupThreshold)
	st := Stats{
		UsedBytes:       used,
		BudgetBytes:     m.cfg.BudgetBytes,
		Percent:         percent,
		Level:           level,
		ChunkMultiplier: level.ChunkMultiplier(),
		ShouldCleanup:   cleanup,
		Estimated:       !ok,
		SampledAt:       time.Now(),
	}

	m.mu.Lock()
	prev := m.stats.Level
	m.stats = st
	cleanups := append([]CleanupFunc(nil), m.cleanups...)
	m.mu.Unlock()

	metrics.UpdateMemoryPressure(level.ordinal(), percent)
	if prev != level {
		m.log.Info("memory pressure changed", "from", prev, "to", level, "percent", math.Round(percent))
	}

	if st.ShouldCleanup {
		for _, fn := range cleanups {
			fn(level)
		}
	}

	return st
}

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// RecommendedChunkSize is the base chunk size scaled for the current level.
func (m *Monitor) RecommendedChunkSize() int {
	return max(1, int(math.Round(float64(m.cfg.BaseChunkSize)*m.Stats().ChunkMultiplier)))
}

func (m *Monitor) BaseChunkSize() int {
	return m.cfg.BaseChunkSize
}

func (m *Monitor) ConcurrencyCap(base int) int {
	return m.Stats().Level.ConcurrencyCap(base)
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}
