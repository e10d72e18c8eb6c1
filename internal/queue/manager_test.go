package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/nadmax/calbulk/internal/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()

	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(Config{MaxConcurrent: 2, StuckTimeout: 5 * time.Minute}, nil)
	m.now = c.now

	return m, c
}

func newOp(id string, p operation.OperationPriority) *operation.Operation {
	items := []operation.Item{{ID: id + "-1"}, {ID: id + "-2"}}
	op := operation.New(operation.CopyOperation, items, p)
	op.ID = id
	return op
}

func promoteAll(m *Manager) []string {
	var ids []string
	for {
		op, ok := m.PromoteNext(100)
		if !ok {
			return ids
		}
		ids = append(ids, op.ID)
	}
}

func TestPromoteNext_PriorityThenArrival(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Enqueue(newOp("a", operation.LowPriority)))
	require.NoError(t, m.Enqueue(newOp("b", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("c", operation.MediumPriority)))
	require.NoError(t, m.Enqueue(newOp("d", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("e", operation.MediumPriority)))

	assert.Equal(t, []string{"b", "d", "c", "e", "a"}, promoteAll(m))
}

func TestPromoteNext_RespectsLimit(t *testing.T) {
	m, _ := newTestManager(t)
	for i := range 3 {
		require.NoError(t, m.Enqueue(newOp(fmt.Sprintf("op-%d", i), operation.MediumPriority)))
	}

	_, ok := m.PromoteNext(2)
	require.True(t, ok)
	op, ok := m.PromoteNext(2)
	require.True(t, ok)
	assert.Equal(t, operation.InProgressStatus, op.Status)
	assert.NotNil(t, op.StartedAt)

	_, ok = m.PromoteNext(2)
	assert.False(t, ok)

	_, err := m.Finish("op-0", operation.CompletedStatus, nil)
	require.NoError(t, err)
	op, ok = m.PromoteNext(2)
	require.True(t, ok)
	assert.Equal(t, "op-2", op.ID)
}

func TestEnqueue_RejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.LowPriority)))

	assert.ErrorIs(t, m.Enqueue(newOp("a", operation.HighPriority)), ErrDuplicate)

	m.PromoteNext(1)
	_, err := m.Finish("a", operation.CompletedStatus, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Enqueue(newOp("a", operation.HighPriority)), ErrDuplicate, "recent ids stay reserved")
}

func TestCancel_Queued(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("b", operation.LowPriority)))

	op, err := m.Cancel("a")
	require.NoError(t, err)
	assert.Equal(t, operation.CancelledStatus, op.Status)
	assert.NotNil(t, op.EndedAt)

	assert.Equal(t, []string{"b"}, promoteAll(m))

	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, operation.CancelledStatus, got.Status)

	_, err = m.Cancel("a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_ActiveFreesSlot(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.MediumPriority)))
	m.PromoteNext(1)

	_, err := m.Cancel("a")
	require.NoError(t, err)

	assert.Empty(t, m.Active())
	_, err = m.Finish("a", operation.CompletedStatus, nil)
	assert.ErrorIs(t, err, ErrNotFound, "a late finish cannot resurrect a cancelled run")
}

func TestPauseResume_Queued(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("b", operation.HighPriority)))

	op, err := m.Pause("a")
	require.NoError(t, err)
	assert.Equal(t, operation.PausedStatus, op.Status)
	require.NotNil(t, op.Metadata.Checkpoint)
	assert.Equal(t, operation.QueuedStatus, op.Metadata.Checkpoint.PreviousStatus)
	assert.Len(t, m.Queued(), 1)
	assert.Len(t, m.Held(), 1)

	op, err = m.Resume("a")
	require.NoError(t, err)
	assert.Equal(t, operation.QueuedStatus, op.Status)
	assert.Equal(t, operation.HighPriority, op.Priority)
	assert.Nil(t, op.Metadata.Checkpoint)

	assert.Equal(t, []string{"a", "b"}, promoteAll(m), "resumed operation keeps its arrival order")
}

func TestPauseResume_ActivePreservesProgress(t *testing.T) {
	m, c := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.HighPriority)))
	m.PromoteNext(1)
	_, err := m.Update("a", func(op *operation.Operation) {
		op.Progress.Advance(1, 0, time.Second)
	})
	require.NoError(t, err)

	op, err := m.Pause("a")
	require.NoError(t, err)
	assert.Equal(t, operation.PausedStatus, op.Status)
	assert.Equal(t, 1, op.Metadata.Checkpoint.ResumeFrom)
	assert.Len(t, m.Active(), 1, "paused run keeps its slot")

	_, err = m.Pause("a")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c.advance(time.Minute)
	op, err = m.Resume("a")
	require.NoError(t, err)
	assert.Equal(t, operation.InProgressStatus, op.Status)
	assert.Equal(t, operation.HighPriority, op.Priority)
	assert.Equal(t, 1, op.Progress.Completed)
	assert.Equal(t, time.Minute, op.PausedFor)

	_, err = m.Resume("a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdjustPriority_Resorts(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("b", operation.LowPriority)))

	op, err := m.AdjustPriority("b", operation.HighPriority)
	require.NoError(t, err)
	assert.Equal(t, operation.HighPriority, op.Priority)

	_, err = m.AdjustPriority("a", operation.LowPriority)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, promoteAll(m))

	_, err = m.AdjustPriority("zzz", operation.LowPriority)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinish(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.MediumPriority)))
	m.PromoteNext(1)

	_, err := m.Finish("a", operation.InProgressStatus, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	op, err := m.Finish("a", operation.FailedStatus, &operation.Error{Category: "server", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, operation.FailedStatus, op.Status)
	assert.Equal(t, operation.ErrorPhase, op.Progress.Phase)
	assert.Equal(t, "boom", op.Error.Message)

	recent := m.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].ID)
	assert.Len(t, m.List(), 1)
}

func TestDetectStuck_ExcludesPausedTime(t *testing.T) {
	m, c := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.MediumPriority)))
	require.NoError(t, m.Enqueue(newOp("b", operation.MediumPriority)))
	m.PromoteNext(2)
	m.PromoteNext(2)

	c.advance(time.Minute)
	_, err := m.Pause("b")
	require.NoError(t, err)

	c.advance(5 * time.Minute)
	stuck := m.DetectStuck()

	require.Len(t, stuck, 1)
	assert.Equal(t, "a", stuck[0].ID)
	assert.Equal(t, operation.FailedStatus, stuck[0].Status)
	assert.Equal(t, TimeoutCode, stuck[0].Error.Category)
	assert.Len(t, m.Active(), 1)
}

func TestHealth(t *testing.T) {
	m, c := newTestManager(t)
	assert.Equal(t, 100.0, m.Health(2).Score)

	for i := range 8 {
		require.NoError(t, m.Enqueue(newOp(fmt.Sprintf("op-%d", i), operation.MediumPriority)))
	}
	m.PromoteNext(2)
	m.PromoteNext(2)
	c.advance(6 * time.Minute)

	h := m.Health(2)

	assert.Equal(t, 2, h.Stuck)
	assert.Equal(t, 6, h.Queued)
	assert.Equal(t, 1.0, h.Utilization)
	assert.Equal(t, 100.0-40-4-10, h.Score)
	assert.NotEmpty(t, h.Issues)
}

func TestSnapshotRestore_DemotesActive(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("running", operation.LowPriority)))
	require.NoError(t, m.Enqueue(newOp("waiting", operation.HighPriority)))
	require.NoError(t, m.Enqueue(newOp("held", operation.MediumPriority)))
	_, err := m.Pause("held")
	require.NoError(t, err)
	_, ok := m.PromoteNext(1)
	require.True(t, ok)
	_, ok = m.PromoteNext(2)
	require.True(t, ok)

	require.Len(t, m.Active(), 2)
	_, err = m.Update("running", func(op *operation.Operation) { op.Progress.Advance(1, 0, time.Second) })
	require.NoError(t, err)

	waiting, active := m.Snapshot()

	restored, _ := newTestManager(t)
	assert.Equal(t, 3, restored.Restore(waiting, active))

	assert.Empty(t, restored.Active())
	got, err := restored.Get("running")
	require.NoError(t, err)
	assert.Equal(t, operation.QueuedStatus, got.Status)
	assert.Zero(t, got.Progress.Completed)
	assert.Nil(t, got.StartedAt)

	held, err := restored.Get("held")
	require.NoError(t, err)
	assert.Equal(t, operation.PausedStatus, held.Status)

	assert.Equal(t, []string{"waiting", "running"}, opIDs(restored.Queued()), "restored operations keep priority order")
}

func opIDs(ops []*operation.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func TestDropItemCaches(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Enqueue(newOp("a", operation.MediumPriority)))
	m.PromoteNext(1)
	_, err := m.Update("a", func(op *operation.Operation) {
		op.FailedItems = []operation.FailedItem{{Item: operation.Item{ID: "a-1"}, Retryable: true}}
	})
	require.NoError(t, err)
	_, err = m.Finish("a", operation.CompletedStatus, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.DropItemCaches())

	op, err := m.Get("a")
	require.NoError(t, err)
	assert.Empty(t, op.Metadata.Items)
	assert.Len(t, op.FailedItems, 1)
	assert.Equal(t, 2, op.Metadata.ItemCount)
}
