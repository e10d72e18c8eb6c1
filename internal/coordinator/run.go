package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nadmax/calbulk/internal/batch"
	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/message"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/repository/models"
)

// run gates one executing operation between chunks.
type run struct {
	mu         sync.Mutex
	paused     bool
	resumed    chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
}

func newRun() *run {
	return &run{
		resumed:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (r *run) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.paused {
		r.paused = true
		r.resumed = make(chan struct{})
	}
}

func (r *run) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		r.paused = false
		close(r.resumed)
	}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

// checkpoint blocks while the run is paused. It returns batch.ErrCancelled
// once the run is cancelled and ctx.Err when ctx ends first.
func (r *run) checkpoint(ctx context.Context) error {
	for {
		select {
		case <-r.cancelled:
			return batch.ErrCancelled
		default:
		}

		r.mu.Lock()
		paused, resumed := r.paused, r.resumed
		r.mu.Unlock()
		if !paused {
			return nil
		}

		select {
		case <-resumed:
		case <-r.cancelled:
			return batch.ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, op *operation.Operation, r *run) {
	defer c.active.Done()
	defer func() {
		c.mu.Lock()
		delete(c.runs, op.ID)
		c.mu.Unlock()
	}()

	log := c.log.With("operation_id", op.ID)

	hooks := batch.Hooks{
		Checkpoint: r.checkpoint,
		OnStart: func(chunkSize, totalChunks int) {
			_, _ = c.queue.Update(op.ID, func(o *operation.Operation) {
				o.Progress.Phase = operation.ProcessingPhase
				o.Progress.TotalBatches = totalChunks
				o.Metadata.Chunking = &operation.ChunkState{ChunkSize: chunkSize, TotalChunks: totalChunks}
			})
		},
		OnProgress: func(u batch.Update) {
			updated, err := c.queue.Update(op.ID, func(o *operation.Operation) {
				o.Progress.Advance(u.Completed, u.Failed, u.Elapsed)
				o.Progress.CurrentBatch = u.CurrentBatch
				o.Progress.TotalBatches = u.TotalBatches
				if o.Metadata.Chunking != nil {
					o.Metadata.Chunking.CompletedChunks = u.CurrentBatch
					o.Metadata.Chunking.NextItem = u.NextItem
				}
				o.FailedItems = append(o.FailedItems, u.FailedItems...)
			})
			if err != nil {
				return
			}

			c.publish(message.NewEvent(message.ProgressUpdate, op.ID, message.ProgressData{
				Status:   updated.Status,
				Progress: updated.Progress,
			}))
			c.persist(ctx)
		},
		OnChunk: func(m batch.ChunkMetrics) {
			c.recordChunk(op, m)
		},
		OnError: func(cl errclass.Classification) {
			if c.recovery == nil {
				return
			}
			if report, due := c.recovery.Observe(cl); due {
				c.publish(message.NewEvent(message.ErrorReport, "", message.ThresholdReportData(report)))
			}
		},
	}

	res, err := c.exec.Execute(ctx, op, hooks)
	switch {
	case errors.Is(err, batch.ErrCancelled):
		// the control path already finished the operation
		log.Info("operation stopped after cancel")
		return
	case err != nil:
		// shutdown: the operation stays active so the final snapshot requeues it
		log.Info("operation interrupted", "error", err)
		return
	}

	status := operation.CompletedStatus
	if res.Err != nil {
		status = operation.FailedStatus
	}

	_, _ = c.queue.Update(op.ID, func(o *operation.Operation) {
		o.Progress.Phase = operation.FinalizingPhase
		o.FailedItems = res.FailedItems
	})
	done, err := c.queue.Finish(op.ID, status, res.Err)
	if errors.Is(err, queue.ErrNotFound) {
		// cancelled or timed out while the last chunk was in flight
		return
	}
	if err != nil {
		log.Error("failed to finish operation", "error", err)
		return
	}

	if c.recovery != nil {
		c.recovery.RecordOutcome(res.Completed, res.Failed)
	}

	c.publish(message.NewEvent(message.OperationComplete, op.ID, completeData(done)))
	if done.Error != nil {
		c.publish(message.NewEvent(message.ErrorReport, op.ID, message.OperationErrorData(done.Error)))
	}
	c.saveHistory(done)
	c.persist(ctx)
	c.wake()

	log.Info("operation finished", "status", done.Status, "completed", res.Completed, "failed", res.Failed)
}

func completeData(op *operation.Operation) message.CompleteData {
	return message.CompleteData{
		Status:      op.Status,
		Progress:    op.Progress,
		Error:       op.Error,
		FailedItems: len(op.FailedItems),
	}
}

func (c *Coordinator) recordChunk(op *operation.Operation, m batch.ChunkMetrics) {
	if c.repo == nil {
		return
	}

	categories, err := json.Marshal(m.ErrorCategories)
	if err != nil {
		categories = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), repositoryTimeout)
	defer cancel()

	err = c.repo.RecordChunk(ctx, models.ChunkRecord{
		OperationID:      op.ID,
		OperationType:    string(op.Type),
		ChunkIndex:       m.Index,
		ItemCount:        m.ItemCount,
		Processed:        m.Processed,
		Failed:           m.Failed,
		RetryAttempts:    m.RetryAttempts,
		Status:           string(m.Status),
		ItemsPerSecond:   m.Speed,
		PerformanceScore: m.PerformanceScore,
		ErrorCategories:  categories,
		StartedAt:        m.StartedAt,
		EndedAt:          m.EndedAt,
	})
	if err != nil {
		c.log.Warn("failed to record chunk", "operation_id", op.ID, "chunk", m.Index, "error", err)
	}
}

// saveHistory writes the operation to the history store. History is
// best-effort and never blocks the queue.
func (c *Coordinator) saveHistory(op *operation.Operation) {
	if c.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repositoryTimeout)
	defer cancel()

	if err := c.repo.SaveOperation(ctx, op); err != nil {
		c.log.Warn("failed to save operation history", "operation_id", op.ID, "error", err)
	}
}
