package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/calbulk/internal/message"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/recovery"
)

// Handle decodes a raw inbound or control message and applies it.
func (c *Coordinator) Handle(ctx context.Context, raw []byte) message.Response {
	req, err := message.Decode(raw)
	if err != nil {
		return message.Fail(err)
	}

	switch r := req.(type) {
	case *message.BulkRequest:
		res, err := c.Submit(ctx, r)
		if err != nil {
			return message.Fail(err)
		}
		return message.OK(res)
	case *message.ControlRequest:
		res, err := c.Control(ctx, r)
		if err != nil {
			return message.Fail(err)
		}
		return message.OK(res)
	default:
		return message.Fail(fmt.Errorf("%w: unsupported type %q", message.ErrInvalidMessage, req.Kind()))
	}
}

// Submit turns a bulk request into a queued operation.
func (c *Coordinator) Submit(ctx context.Context, req *message.BulkRequest) (message.SubmitResult, error) {
	op := operation.New(req.OperationType(), req.Data.Events, req.Priority)
	if req.OperationID != "" {
		op.ID = req.OperationID
	}
	op.Metadata.SourceDate = req.Data.SourceDate
	op.Metadata.TargetDate = req.Data.TargetDate
	op.Metadata.CalendarIDs = req.Data.CalendarIDs
	op.Metadata.Extra = req.Data.Metadata

	if err := c.queue.Enqueue(op); err != nil {
		return message.SubmitResult{}, err
	}

	c.publishQueueStatus()
	c.persist(ctx)
	c.wake()

	return message.SubmitResult{OperationID: op.ID}, nil
}

// Control applies a pause, resume, cancel or priority change.
func (c *Coordinator) Control(ctx context.Context, req *message.ControlRequest) (message.ControlResult, error) {
	c.mu.Lock()
	op, err := c.controlLocked(req)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("control rejected", "operation_id", req.OperationID, "type", req.Type, "error", err)
		return message.ControlResult{}, err
	}

	switch req.Type {
	case message.OperationCancel:
		c.publish(message.NewEvent(message.OperationComplete, op.ID, completeData(op)))
		c.saveHistory(op)
	case message.OperationPause, message.OperationResume:
		c.publish(message.NewEvent(message.ProgressUpdate, op.ID, message.ProgressData{
			Status:   op.Status,
			Progress: op.Progress,
		}))
	}
	c.publishQueueStatus()
	c.persist(ctx)
	c.wake()

	c.log.Info("control applied", "operation_id", op.ID, "type", req.Type, "status", op.Status)
	return message.ControlResult{
		OperationID: op.ID,
		Status:      op.Status,
		Priority:    op.Priority.String(),
	}, nil
}

func (c *Coordinator) controlLocked(req *message.ControlRequest) (*operation.Operation, error) {
	r := c.runs[req.OperationID]

	switch req.Type {
	case message.OperationPause:
		op, err := c.queue.Pause(req.OperationID)
		if err == nil && r != nil {
			r.pause()
		}
		return op, err
	case message.OperationResume:
		op, err := c.queue.Resume(req.OperationID)
		if err == nil && r != nil {
			r.resume()
		}
		return op, err
	case message.OperationCancel:
		op, err := c.queue.Cancel(req.OperationID)
		if err == nil && r != nil {
			r.cancel()
		}
		return op, err
	case message.PriorityAdjust:
		if req.Priority == nil {
			return nil, fmt.Errorf("%w: PRIORITY_ADJUST requires a priority", message.ErrInvalidMessage)
		}
		return c.queue.AdjustPriority(req.OperationID, *req.Priority)
	default:
		return nil, fmt.Errorf("%w: unsupported control %q", message.ErrInvalidMessage, req.Type)
	}
}

func (c *Coordinator) Get(id string) (*operation.Operation, error) {
	return c.queue.Get(id)
}

// List returns every tracked operation without item payloads.
func (c *Coordinator) List() []*operation.Operation {
	return summaries(c.queue.List())
}

func summaries(ops []*operation.Operation) []*operation.Operation {
	for _, op := range ops {
		op.Metadata.Items = nil
	}

	return ops
}

func (c *Coordinator) ErrorReport() recovery.Report {
	return c.recovery.GenerateReport()
}

func (c *Coordinator) RetrySessions() []recovery.RetrySession {
	return c.recovery.Sessions()
}

// BulkRetry resubmits the still-retryable items of finished operations as new
// operations. With no ids every operation in the recent window is considered.
func (c *Coordinator) BulkRetry(ctx context.Context, ids []string) (*recovery.RetrySession, error) {
	var sources []*operation.Operation
	if len(ids) == 0 {
		sources = c.queue.Recent()
	}
	for _, id := range ids {
		op, err := c.queue.Get(id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, op)
	}

	session, err := c.recovery.CreateRetrySession(sources)
	if err != nil {
		return nil, err
	}

	for _, b := range session.Batches {
		op := operation.New(b.Type, b.Items, b.Priority)
		op.Metadata = b.Metadata
		if err := c.queue.Enqueue(op); err != nil {
			if errors.Is(err, queue.ErrDuplicate) {
				continue
			}
			return nil, err
		}
		session.OperationIDs = append(session.OperationIDs, op.ID)
	}
	c.recovery.Track(session)

	c.publishQueueStatus()
	c.persist(ctx)
	c.wake()

	return session, nil
}
