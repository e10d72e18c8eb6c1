// Package coordinator is the long-lived service that accepts bulk operation
// requests, schedules them through the queue manager, executes them chunk by
// chunk and reports progress to subscribers. One instance is constructed at
// process start and shared by every inbound surface.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/calbulk/internal/batch"
	"github.com/nadmax/calbulk/internal/broadcast"
	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/message"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/ratelimit"
	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/nadmax/calbulk/internal/repository"
	"github.com/nadmax/calbulk/internal/state"
	"go.uber.org/multierr"
)

const repositoryTimeout = 5 * time.Second

// Deps are the components the coordinator drives. Store and Repository are
// optional.
type Deps struct {
	Queue       *queue.Manager
	Executor    *batch.Executor
	Limiter     *ratelimit.Limiter
	Memory      *memory.Monitor
	Classifier  *errclass.Classifier
	Recovery    *recovery.Engine
	Broadcaster *broadcast.Broadcaster
	Store       state.Store
	State       state.Config
	Repository  repository.OperationRepository
}

type Coordinator struct {
	queue       *queue.Manager
	exec        *batch.Executor
	limiter     *ratelimit.Limiter
	mem         *memory.Monitor
	classifier  *errclass.Classifier
	recovery    *recovery.Engine
	broadcaster *broadcast.Broadcaster
	persister   *state.Persister
	store       state.Store
	repo        repository.OperationRepository
	log         *slog.Logger

	// mu serializes promotion and control so a cancel cannot slip between an
	// operation leaving the queue and its run being registered.
	mu   sync.Mutex
	runs map[string]*run

	kick   chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	loops  sync.WaitGroup
	active sync.WaitGroup
}

func New(d Deps, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		queue:       d.Queue,
		exec:        d.Executor,
		limiter:     d.Limiter,
		mem:         d.Memory,
		classifier:  d.Classifier,
		recovery:    d.Recovery,
		broadcaster: d.Broadcaster,
		store:       d.Store,
		repo:        d.Repository,
		log:         logger.With("component", "coordinator"),
		runs:        make(map[string]*run),
		kick:        make(chan struct{}, 1),
	}
	if d.Store != nil {
		c.persister = state.NewPersister(d.Store, c.snapshot, func() { c.cleanup(memory.CriticalPressure) }, d.State, logger)
	}
	if c.mem != nil {
		c.mem.OnCleanup(c.cleanup)
	}

	return c
}

// Start restores persisted state and launches the background loops. The
// loops stop when ctx is done or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) {
	restored := c.restore(ctx)

	c.ctx, c.stop = context.WithCancel(ctx)

	c.goLoop(c.scheduleLoop)
	c.goLoop(c.healthLoop)
	if c.limiter != nil {
		c.goLoop(c.limiter.Run)
	}
	if c.mem != nil {
		c.goLoop(c.mem.Run)
	}
	if c.broadcaster != nil {
		c.goLoop(c.broadcaster.Run)
	}
	if c.persister != nil {
		c.goLoop(c.persister.Run)
	}

	c.publish(message.NewEvent(message.StateSync, "", StateSyncData{
		Restored: restored,
		Status:   c.QueueStatus(),
	}))
	c.wake()

	c.log.Info("coordinator started", "restored", restored, "max_concurrent", c.queue.Config().MaxConcurrent)
}

func (c *Coordinator) goLoop(fn func(ctx context.Context)) {
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		fn(c.ctx)
	}()
}

func (c *Coordinator) restore(ctx context.Context) int {
	if c.persister == nil {
		return 0
	}

	snap, err := c.persister.Load(ctx)
	switch {
	case errors.Is(err, state.ErrNoSnapshot):
		c.log.Info("no saved state, starting empty")
		return 0
	case err != nil:
		c.log.Warn("saved state not restored, starting empty", "error", err)
		return 0
	}

	n := c.queue.Restore(snap.Queue, snap.Active)
	if c.exec != nil {
		c.exec.History().Restore(snap.Analytics.Chunks)
	}
	if c.recovery != nil {
		c.recovery.Restore(snap.Analytics.Succeeded, snap.Analytics.Failed)
	}
	if c.limiter != nil {
		c.limiter.Restore(snap.RateLimit)
	}
	if c.classifier != nil {
		c.classifier.Restore(snap.ErrorHistory)
	}

	return n
}

// Shutdown stops the loops, waits for running operations to reach a chunk
// boundary, saves a final snapshot and closes the stores.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.stop != nil {
		c.stop()
	}

	done := make(chan struct{})
	go func() {
		c.active.Wait()
		c.loops.Wait()
		if c.recovery != nil {
			c.recovery.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("shutdown interrupted: %w", ctx.Err()))
	}

	if c.persister != nil {
		err = multierr.Append(err, c.persister.Save(ctx))
	}
	if c.store != nil {
		err = multierr.Append(err, c.store.Close())
	}
	if c.repo != nil {
		err = multierr.Append(err, c.repo.Close())
	}

	c.log.Info("coordinator stopped")
	return err
}

func (c *Coordinator) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.queue.Config().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.promote(ctx)
	}
}

// concurrencyLimit is the configured cap reduced under memory pressure.
func (c *Coordinator) concurrencyLimit() int {
	limit := c.queue.Config().MaxConcurrent
	if c.mem != nil {
		limit = c.mem.ConcurrencyCap(limit)
	}

	return limit
}

func (c *Coordinator) promote(ctx context.Context) {
	limit := c.concurrencyLimit()
	started := 0

	for ctx.Err() == nil {
		c.mu.Lock()
		op, ok := c.queue.PromoteNext(limit)
		if !ok {
			c.mu.Unlock()
			break
		}
		r := newRun()
		c.runs[op.ID] = r
		c.active.Add(1)
		c.mu.Unlock()

		started++
		go c.execute(ctx, op, r)
	}

	if started > 0 {
		c.publishQueueStatus()
		c.persist(ctx)
	}
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.queue.Config().HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

// checkHealth force-fails stuck operations and publishes the queue status.
func (c *Coordinator) checkHealth(ctx context.Context) {
	for _, op := range c.queue.DetectStuck() {
		c.mu.Lock()
		if r, ok := c.runs[op.ID]; ok {
			r.cancel()
		}
		c.mu.Unlock()

		c.publish(message.NewEvent(message.OperationComplete, op.ID, completeData(op)))
		c.publish(message.NewEvent(message.ErrorReport, op.ID, message.OperationErrorData(op.Error)))
		c.saveHistory(op)
	}

	c.publishQueueStatus()
	c.persist(ctx)
	c.wake()
}

func (c *Coordinator) publish(ev message.Event) {
	if c.broadcaster != nil {
		c.broadcaster.Publish(ev)
	}
}

func (c *Coordinator) publishQueueStatus() {
	c.publish(message.NewEvent(message.QueueStatus, "", c.QueueStatus()))
}

func (c *Coordinator) persist(ctx context.Context) {
	if c.persister == nil {
		return
	}
	if err := c.persister.Request(ctx); err != nil {
		c.log.Error("failed to save state", "error", err)
	}
}
