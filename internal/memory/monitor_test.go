package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedSampler struct {
	bytes uint64
	ok    bool
}

func (s *fixedSampler) HeapBytes() (uint64, bool) { return s.bytes, s.ok }

func TestLevelFor(t *testing.T) {
	tests := []struct {
		percent  float64
		expected Level
	}{
		{percent: 0, expected: LowPressure},
		{percent: 49.9, expected: LowPressure},
		{percent: 50, expected: ModeratePressure},
		{percent: 75, expected: HighPressure},
		{percent: 89.9, expected: HighPressure},
		{percent: 90, expected: CriticalPressure},
		{percent: 150, expected: CriticalPressure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, LevelFor(tt.percent), "percent %v", tt.percent)
	}
}

func TestLevelRecommendations(t *testing.T) {
	assert.Equal(t, 1.0, LowPressure.ChunkMultiplier())
	assert.Equal(t, 0.7, ModeratePressure.ChunkMultiplier())
	assert.Equal(t, 0.5, HighPressure.ChunkMultiplier())
	assert.Equal(t, 0.3, CriticalPressure.ChunkMultiplier())

	assert.Equal(t, 10, LowPressure.ConcurrencyCap(10))
	assert.Equal(t, 8, ModeratePressure.ConcurrencyCap(10))
	assert.Equal(t, 7, HighPressure.ConcurrencyCap(10))
	assert.Equal(t, 1, CriticalPressure.ConcurrencyCap(10))
	assert.Equal(t, 1, HighPressure.ConcurrencyCap(1))
}

func TestSample_UsesHostMetric(t *testing.T) {
	m := NewMonitor(Config{BudgetBytes: 1000, BaseChunkSize: 100}, &fixedSampler{bytes: 800, ok: true}, nil)

	st := m.Sample()

	assert.Equal(t, HighPressure, st.Level)
	assert.False(t, st.Estimated)
	assert.True(t, st.ShouldCleanup)
	assert.Equal(t, 50, m.RecommendedChunkSize())
	assert.Equal(t, 2, m.ConcurrencyCap(3))
}

func TestSample_FallsBackToBufferEstimate(t *testing.T) {
	m := NewMonitor(Config{BudgetBytes: 1000, BaseChunkSize: 100}, &fixedSampler{ok: false}, nil)
	m.TrackBuffer(950)

	st := m.Sample()

	assert.True(t, st.Estimated)
	assert.Equal(t, uint64(950), st.UsedBytes)
	assert.Equal(t, CriticalPressure, st.Level)
	assert.Equal(t, 30, m.RecommendedChunkSize())
	assert.Equal(t, 1, m.ConcurrencyCap(3))

	m.TrackBuffer(-950)
	assert.Equal(t, LowPressure, m.Sample().Level)
}

func TestSample_RunsCleanupWhenDue(t *testing.T) {
	sampler := &fixedSampler{bytes: 550, ok: true}
	m := NewMonitor(Config{BudgetBytes: 1000, CleanupThreshold: 60}, sampler, nil)

	var levels []Level
	m.OnCleanup(func(l Level) { levels = append(levels, l) })

	st := m.Sample()
	assert.Equal(t, ModeratePressure, st.Level)
	assert.False(t, st.ShouldCleanup, "moderate below threshold")
	assert.Empty(t, levels)

	sampler.bytes = 650
	st = m.Sample()
	assert.True(t, st.ShouldCleanup)
	assert.Equal(t, []Level{ModeratePressure}, levels)
}

func TestStats_DefaultsBeforeSample(t *testing.T) {
	m := NewMonitor(Config{}, nil, nil)

	st := m.Stats()

	assert.Equal(t, LowPressure, st.Level)
	assert.Equal(t, 100, m.RecommendedChunkSize())
}
