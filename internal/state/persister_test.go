package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test:state"

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	s, err := NewRedisStore(context.Background(), mr.Addr(), testKey)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})

	return s, mr
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestPersister(store Store, source SourceFunc, cleanup func(), cfg Config) (*Persister, *fixedClock) {
	c := &fixedClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	p := NewPersister(store, source, cleanup, cfg, nil)
	p.now = c.now
	return p, c
}

func snapshotWith(ops ...*operation.Operation) SourceFunc {
	return func() *Snapshot {
		return &Snapshot{Queue: ops}
	}
}

func TestNewRedisStore_InvalidAddress(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "invalid:99999", testKey)
	assert.Error(t, err)
}

func TestPersister_SaveAndLoad(t *testing.T) {
	store, _ := setupTestStore(t)
	op := operation.New(operation.CopyOperation, []operation.Item{{ID: "evt-1"}}, operation.HighPriority)
	p, _ := newTestPersister(store, snapshotWith(op), nil, Config{})

	require.NoError(t, p.Save(context.Background()))

	s, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version, s.Version)
	require.Len(t, s.Queue, 1)
	assert.Equal(t, op.ID, s.Queue[0].ID)
	assert.Equal(t, operation.HighPriority, s.Queue[0].Priority)
}

func TestPersister_LoadEmpty(t *testing.T) {
	store, _ := setupTestStore(t)
	p, _ := newTestPersister(store, snapshotWith(), nil, Config{})

	_, err := p.Load(context.Background())

	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestPersister_LoadRejects(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  error
	}{
		{
			name:     "major version mismatch",
			snapshot: Snapshot{Version: "1.9.0", Timestamp: now},
			wantErr:  ErrIncompatibleVersion,
		},
		{
			name:     "older than stale threshold",
			snapshot: Snapshot{Version: Version, Timestamp: now.Add(-25 * time.Hour)},
			wantErr:  ErrStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mr := setupTestStore(t)
			tt.snapshot.Queue = []*operation.Operation{operation.New(operation.DeleteOperation, nil, operation.LowPriority)}
			raw, err := json.Marshal(tt.snapshot)
			require.NoError(t, err)
			require.NoError(t, mr.Set(testKey, string(raw)))

			p, _ := newTestPersister(store, snapshotWith(), nil, Config{StaleAfter: 24 * time.Hour})

			s, err := p.Load(context.Background())

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, s)
			assert.False(t, mr.Exists(testKey), "rejected state is discarded")
		})
	}
}

func TestPersister_LoadAcceptsMinorVersionDrift(t *testing.T) {
	store, mr := setupTestStore(t)
	p, c := newTestPersister(store, snapshotWith(), nil, Config{})
	raw, err := json.Marshal(Snapshot{Version: "2.0.7", Timestamp: c.t.Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, mr.Set(testKey, string(raw)))

	s, err := p.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "2.0.7", s.Version)
}

func TestPersister_LoadCorrupt(t *testing.T) {
	store, mr := setupTestStore(t)
	require.NoError(t, mr.Set(testKey, "{not json"))
	p, _ := newTestPersister(store, snapshotWith(), nil, Config{})

	_, err := p.Load(context.Background())

	assert.Error(t, err)
	assert.False(t, mr.Exists(testKey))
}

func TestPersister_RequestDebounces(t *testing.T) {
	store, mr := setupTestStore(t)
	ops := []*operation.Operation{operation.New(operation.CopyOperation, nil, operation.MediumPriority)}
	source := func() *Snapshot { return &Snapshot{Queue: ops} }
	p, c := newTestPersister(store, source, nil, Config{MinSaveInterval: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, p.Request(ctx))
	first, err := mr.Get(testKey)
	require.NoError(t, err)

	ops = append(ops, operation.New(operation.CopyOperation, nil, operation.MediumPriority))
	c.t = c.t.Add(500 * time.Millisecond)
	require.NoError(t, p.Request(ctx))

	second, err := mr.Get(testKey)
	require.NoError(t, err)
	assert.Equal(t, first, second, "save within the interval is deferred")

	require.NoError(t, p.Flush(ctx))
	s, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Queue, 2)

	require.NoError(t, p.Flush(ctx))
}

func TestPersister_SizeBudget(t *testing.T) {
	big := strings.Repeat("x", 4096)
	bloated := func() *operation.Operation {
		op := operation.New(operation.UpdateOperation, []operation.Item{{ID: "e", Body: map[string]any{"description": big}}}, operation.LowPriority)
		return op
	}

	t.Run("cleanup brings snapshot under budget", func(t *testing.T) {
		store, mr := setupTestStore(t)
		op := bloated()
		cleaned := 0
		cleanup := func() {
			cleaned++
			op.Metadata.Items = nil
		}
		p, _ := newTestPersister(store, snapshotWith(op), cleanup, Config{MaxBytes: 2048})

		require.NoError(t, p.Save(context.Background()))

		assert.Equal(t, 1, cleaned)
		assert.True(t, mr.Exists(testKey))
	})

	t.Run("still too large after cleanup", func(t *testing.T) {
		store, mr := setupTestStore(t)
		p, _ := newTestPersister(store, snapshotWith(bloated()), func() {}, Config{MaxBytes: 2048})

		err := p.Save(context.Background())

		assert.ErrorIs(t, err, ErrTooLarge)
		assert.False(t, mr.Exists(testKey))
	})
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"})
	assert.Error(t, err)
}
