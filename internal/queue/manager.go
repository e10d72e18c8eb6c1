// Package queue owns the lifecycle of bulk operations: a priority queue of
// waiting operations, the active set bounded by a concurrency cap, paused
// operations, a recent window of finished ones, and stuck detection.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/nadmax/calbulk/internal/metrics"
	"github.com/nadmax/calbulk/internal/operation"
)

var (
	ErrNotFound          = errors.New("operation not found")
	ErrDuplicate         = errors.New("operation already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const TimeoutCode = "timeout"

type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	StuckTimeout   time.Duration `yaml:"stuck_timeout"`
	RecentTTL      time.Duration `yaml:"recent_ttl"`
	FailureWindow  int           `yaml:"failure_window"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		TickInterval:   time.Second,
		HealthInterval: 30 * time.Second,
		StuckTimeout:   5 * time.Minute,
		RecentTTL:      time.Hour,
		FailureWindow:  50,
	}
}

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	pending  *opHeap
	held     map[string]*operation.Operation
	active   map[string]*operation.Operation
	recent   *ttlworker.Cache[string, *operation.Operation]
	seq      uint64
	outcomes []bool
	now      func() time.Time
	log      *slog.Logger
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = def.StuckTimeout
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		pending: newOpHeap(),
		held:    make(map[string]*operation.Operation),
		active:  make(map[string]*operation.Operation),
		recent:  ttlworker.NewCache[string, *operation.Operation](cfg.RecentTTL),
		now:     time.Now,
		log:     logger.With("component", "queue"),
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Enqueue inserts op by priority. Operations carrying a sequence number keep
// it so restored operations retain their arrival order.
func (m *Manager) Enqueue(op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsLocked(op.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, op.ID)
	}

	if op.Sequence == 0 {
		m.seq++
		op.Sequence = m.seq
	} else if op.Sequence > m.seq {
		m.seq = op.Sequence
	}
	op.Status = operation.QueuedStatus

	heap.Push(m.pending, op)
	m.updateGaugesLocked()
	metrics.RecordOperationEnqueued(op.Type, op.Priority)
	m.log.Info("operation enqueued", "operation_id", op.ID, "type", op.Type, "priority", op.Priority.String(), "items", op.Metadata.ItemCount)

	return nil
}

func (m *Manager) existsLocked(id string) bool {
	if _, ok := m.pending.find(id); ok {
		return true
	}
	if _, ok := m.held[id]; ok {
		return true
	}
	if _, ok := m.active[id]; ok {
		return true
	}

	return m.recent.Get(id) != nil
}

func (m *Manager) lookupLocked(id string) *operation.Operation {
	if i, ok := m.pending.find(id); ok {
		return m.pending.items[i]
	}
	if op, ok := m.held[id]; ok {
		return op
	}
	if op, ok := m.active[id]; ok {
		return op
	}

	return m.recent.Get(id)
}

func (m *Manager) Get(id string) (*operation.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op := m.lookupLocked(id)
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return op.Clone(), nil
}

// Queued lists waiting operations in promotion order, paused ones excluded.
func (m *Manager) Queued() []*operation.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.queuedLocked()
}

func (m *Manager) queuedLocked() []*operation.Operation {
	out := make([]*operation.Operation, 0, m.pending.Len())
	for _, op := range m.pending.items {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Sequence < out[j].Sequence
	})

	return out
}

// Active lists operations holding a concurrency slot, in start order.
func (m *Manager) Active() []*operation.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedBySequence(m.active)
}

func (m *Manager) Held() []*operation.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedBySequence(m.held)
}

func (m *Manager) Recent() []*operation.Operation {
	finished := m.finished()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*operation.Operation, 0, len(finished))
	for _, op := range finished {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out
}

// finished collects the recent window. It must be called without m.mu held:
// the cache takes its own lock while ranging.
func (m *Manager) finished() []*operation.Operation {
	var ops []*operation.Operation
	_ = m.recent.Range(func(_ string, op *operation.Operation) error {
		if op != nil {
			ops = append(ops, op)
		}
		return nil
	})

	return ops
}

// List returns every tracked operation: active, queued, paused while queued,
// then recently finished.
func (m *Manager) List() []*operation.Operation {
	out := m.Active()
	out = append(out, m.Queued()...)
	out = append(out, m.Held()...)
	return append(out, m.Recent()...)
}

func sortedBySequence(set map[string]*operation.Operation) []*operation.Operation {
	out := make([]*operation.Operation, 0, len(set))
	for _, op := range set {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out
}

// PromoteNext moves the highest-priority queued operation to the active set
// when fewer than limit operations are active.
func (m *Manager) PromoteNext(limit int) (*operation.Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= max(limit, 1) || m.pending.Len() == 0 {
		return nil, false
	}

	op := heap.Pop(m.pending).(*operation.Operation)
	now := m.now()
	op.Status = operation.InProgressStatus
	op.StartedAt = &now
	op.Progress.Phase = operation.PreparingPhase
	m.active[op.ID] = op

	metrics.RecordOperationWaitTime(op.Type, op.Priority, now.Sub(op.CreatedAt))
	m.updateGaugesLocked()
	m.log.Info("operation started", "operation_id", op.ID, "active", len(m.active))

	return op.Clone(), true
}

// Cancel removes op from wherever it waits or runs and marks it cancelled.
func (m *Manager) Cancel(id string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var op *operation.Operation
	if i, ok := m.pending.find(id); ok {
		op = heap.Remove(m.pending, i).(*operation.Operation)
	} else if held, ok := m.held[id]; ok {
		op = held
		delete(m.held, id)
	} else if running, ok := m.active[id]; ok {
		op = running
		delete(m.active, id)
	} else if m.recent.Get(id) != nil {
		return nil, fmt.Errorf("%w: %s is already finished", ErrInvalidTransition, id)
	} else {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.finishLocked(op, operation.CancelledStatus, nil)
	m.log.Info("operation cancelled", "operation_id", id)

	return op.Clone(), nil
}

// Pause holds a queued or running operation. A running operation keeps its
// slot and stops at the next chunk boundary; a queued one leaves the queue.
func (m *Manager) Pause(id string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if i, ok := m.pending.find(id); ok {
		op := heap.Remove(m.pending, i).(*operation.Operation)
		op.Metadata.Checkpoint = &operation.Checkpoint{
			ResumeFrom:     op.Progress.Completed,
			PreviousStatus: operation.QueuedStatus,
			PausedAt:       now,
		}
		op.Status = operation.PausedStatus
		m.held[id] = op
		m.updateGaugesLocked()

		return op.Clone(), nil
	}

	op, ok := m.active[id]
	if !ok {
		return nil, m.transitionErrLocked(id, "pause")
	}
	if op.Status != operation.InProgressStatus {
		return nil, fmt.Errorf("%w: cannot pause %s operation", ErrInvalidTransition, op.Status)
	}

	op.Metadata.Checkpoint = &operation.Checkpoint{
		ResumeFrom:     op.Progress.Completed,
		PreviousStatus: operation.InProgressStatus,
		PausedAt:       now,
	}
	op.Status = operation.PausedStatus
	m.log.Info("operation paused", "operation_id", id, "resume_from", op.Progress.Completed)

	return op.Clone(), nil
}

// Resume restores the status recorded at pause time.
func (m *Manager) Resume(id string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, ok := m.held[id]; ok {
		delete(m.held, id)
		op.Status = operation.QueuedStatus
		op.Metadata.Checkpoint = nil
		heap.Push(m.pending, op)
		m.updateGaugesLocked()

		return op.Clone(), nil
	}

	op, ok := m.active[id]
	if !ok {
		return nil, m.transitionErrLocked(id, "resume")
	}
	if op.Status != operation.PausedStatus || op.Metadata.Checkpoint == nil {
		return nil, fmt.Errorf("%w: cannot resume %s operation", ErrInvalidTransition, op.Status)
	}

	op.PausedFor += m.now().Sub(op.Metadata.Checkpoint.PausedAt)
	op.Status = op.Metadata.Checkpoint.PreviousStatus
	op.Metadata.Checkpoint = nil
	m.log.Info("operation resumed", "operation_id", id)

	return op.Clone(), nil
}

// AdjustPriority changes the priority; queued operations are re-sorted.
func (m *Manager) AdjustPriority(id string, p operation.OperationPriority) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.pending.find(id); ok {
		op := m.pending.items[i]
		op.Priority = p
		heap.Fix(m.pending, i)
		return op.Clone(), nil
	}

	op := m.held[id]
	if op == nil {
		op = m.active[id]
	}
	if op == nil {
		return nil, m.transitionErrLocked(id, "reprioritize")
	}
	op.Priority = p

	return op.Clone(), nil
}

func (m *Manager) transitionErrLocked(id, action string) error {
	if m.recent.Get(id) != nil {
		return fmt.Errorf("%w: cannot %s finished operation %s", ErrInvalidTransition, action, id)
	}

	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update applies fn to an active operation under the manager lock.
func (m *Manager) Update(id string, fn func(op *operation.Operation)) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not active", ErrNotFound, id)
	}
	fn(op)

	return op.Clone(), nil
}

// Finish moves an active operation to a terminal status and frees its slot.
func (m *Manager) Finish(id string, status operation.OperationStatus, opErr *operation.Error) (*operation.Operation, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not active", ErrNotFound, id)
	}
	delete(m.active, id)
	m.finishLocked(op, status, opErr)

	return op.Clone(), nil
}

func (m *Manager) finishLocked(op *operation.Operation, status operation.OperationStatus, opErr *operation.Error) {
	now := m.now()
	op.Status = status
	op.Error = opErr
	op.EndedAt = &now
	op.Metadata.Checkpoint = nil
	if status == operation.CompletedStatus {
		op.Progress.Finish(operation.CompletePhase)
	} else if status == operation.FailedStatus {
		op.Progress.Finish(operation.ErrorPhase)
	} else {
		op.Progress.Finish(op.Progress.Phase)
	}

	m.recent.Set(op.ID, op)
	m.outcomes = append(m.outcomes, status == operation.FailedStatus)
	if over := len(m.outcomes) - m.cfg.FailureWindow; over > 0 {
		m.outcomes = m.outcomes[over:]
	}

	var ran time.Duration
	if op.StartedAt != nil {
		ran = now.Sub(*op.StartedAt) - op.PausedFor
	}
	metrics.RecordOperationFinished(op.Type, status, ran)
	m.updateGaugesLocked()
}

func (m *Manager) runningFor(op *operation.Operation, now time.Time) time.Duration {
	if op.StartedAt == nil {
		return 0
	}

	d := now.Sub(*op.StartedAt) - op.PausedFor
	if op.Status == operation.PausedStatus && op.Metadata.Checkpoint != nil {
		d -= now.Sub(op.Metadata.Checkpoint.PausedAt)
	}

	return d
}

// DetectStuck force-fails active operations that ran longer than the stuck
// timeout, paused time excluded.
func (m *Manager) DetectStuck() []*operation.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var stuck []*operation.Operation
	for id, op := range m.active {
		if m.runningFor(op, now) <= m.cfg.StuckTimeout {
			continue
		}

		delete(m.active, id)
		m.finishLocked(op, operation.FailedStatus, &operation.Error{
			Category:    TimeoutCode,
			Code:        "OPERATION_TIMEOUT",
			Message:     fmt.Sprintf("operation exceeded %s without completing", m.cfg.StuckTimeout),
			Retryable:   true,
			Suggestions: []string{"Retry the operation with fewer events", "Check the calendar service status"},
		})
		m.log.Warn("stuck operation failed", "operation_id", id, "timeout", m.cfg.StuckTimeout)
		stuck = append(stuck, op.Clone())
	}

	return stuck
}

type Health struct {
	Score         float64  `json:"score"`
	Stuck         int      `json:"stuck"`
	Queued        int      `json:"queued"`
	Active        int      `json:"active"`
	Paused        int      `json:"paused"`
	MaxConcurrent int      `json:"maxConcurrent"`
	Utilization   float64  `json:"utilization"`
	FailureRate   float64  `json:"failureRate"`
	Issues        []string `json:"issues,omitempty"`
}

// Health scores the queue from 100 down, deducting for stuck operations,
// backlog, saturation and recent failures.
func (m *Manager) Health(maxConcurrent int) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maxConcurrent = max(maxConcurrent, 1)
	now := m.now()
	h := Health{
		Queued:        m.pending.Len(),
		Active:        len(m.active),
		MaxConcurrent: maxConcurrent,
		Utilization:   float64(len(m.active)) / float64(maxConcurrent),
	}
	h.Paused = len(m.held)
	for _, op := range m.active {
		if op.Status == operation.PausedStatus {
			h.Paused++
		}
		if m.runningFor(op, now) > m.cfg.StuckTimeout {
			h.Stuck++
		}
	}

	failures := 0
	for _, failed := range m.outcomes {
		if failed {
			failures++
		}
	}
	if len(m.outcomes) > 0 {
		h.FailureRate = float64(failures) / float64(len(m.outcomes))
	}

	score := 100.0
	if h.Stuck > 0 {
		score -= min(float64(h.Stuck)*20, 40)
		h.Issues = append(h.Issues, fmt.Sprintf("%d stuck operations", h.Stuck))
	}
	if backlog := h.Queued - 2*maxConcurrent; backlog > 0 {
		score -= min(float64(backlog)*2, 20)
		h.Issues = append(h.Issues, fmt.Sprintf("%d operations waiting", h.Queued))
	}
	if h.Utilization >= 1 && h.Queued > 0 {
		score -= 10
		h.Issues = append(h.Issues, "all slots busy")
	}
	if h.FailureRate > 0 {
		score -= h.FailureRate * 30
		if h.FailureRate >= 0.2 {
			h.Issues = append(h.Issues, fmt.Sprintf("%.0f%% of recent operations failed", h.FailureRate*100))
		}
	}
	h.Score = max(score, 0)

	metrics.UpdateHealthScore(h.Score)
	return h
}

// Snapshot returns waiting operations (queued and held) and active ones for
// persistence.
func (m *Manager) Snapshot() (waiting, active []*operation.Operation) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	waiting = m.queuedLocked()
	waiting = append(waiting, sortedBySequence(m.held)...)

	return waiting, sortedBySequence(m.active)
}

// Restore requeues persisted operations. Active ones restart from the
// beginning because chunk completion was not durably recorded.
func (m *Manager) Restore(waiting, active []*operation.Operation) int {
	restored := 0
	for _, op := range active {
		op.Reset()
		if err := m.Enqueue(op); err != nil {
			m.log.Warn("skipping restored operation", "operation_id", op.ID, "error", err)
			continue
		}
		restored++
	}

	for _, op := range waiting {
		if op.Status == operation.PausedStatus {
			m.mu.Lock()
			if m.existsLocked(op.ID) {
				m.mu.Unlock()
				continue
			}
			if op.Sequence > m.seq {
				m.seq = op.Sequence
			}
			m.held[op.ID] = op
			m.updateGaugesLocked()
			m.mu.Unlock()
			restored++
			continue
		}

		if err := m.Enqueue(op); err != nil {
			m.log.Warn("skipping restored operation", "operation_id", op.ID, "error", err)
			continue
		}
		restored++
	}

	return restored
}

// DropItemCaches releases item payloads of finished operations, keeping
// failed items for bulk retry. It returns how many operations were trimmed.
func (m *Manager) DropItemCaches() int {
	finished := m.finished()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range finished {
		if len(op.Metadata.Items) > 0 {
			op.Metadata.Items = nil
			n++
		}
	}

	return n
}

func (m *Manager) Counts() (queued, active, held int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pending.Len(), len(m.active), len(m.held)
}

func (m *Manager) updateGaugesLocked() {
	metrics.UpdateQueueDepth(m.pending.Len())
	metrics.UpdateActiveOperations(len(m.active))

	byStatus := make(map[operation.OperationStatus]map[operation.OperationType]int)
	add := func(op *operation.Operation) {
		if byStatus[op.Status] == nil {
			byStatus[op.Status] = make(map[operation.OperationType]int)
		}
		byStatus[op.Status][op.Type]++
	}
	for _, op := range m.pending.items {
		add(op)
	}
	for _, op := range m.held {
		add(op)
	}
	for _, op := range m.active {
		add(op)
	}
	metrics.UpdateOperationGauges(byStatus)
}
