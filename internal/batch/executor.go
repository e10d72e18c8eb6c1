// Package batch executes bulk operations: items are split into chunks sized
// from memory pressure and history, and each chunk goes out as one remote
// batch call behind the rate limiter, with classified per-chunk retries.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/metrics"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/ratelimit"
	"github.com/nadmax/calbulk/internal/remote"
	"github.com/sethvargo/go-retry"
)

var ErrCancelled = errors.New("operation cancelled")

// Caller performs one remote batch call.
type Caller interface {
	Do(ctx context.Context, reqs []remote.SubRequest) (*remote.BatchResponse, error)
}

// TokenRefresher renews credentials after an authentication failure.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	JitterPercent uint64        `yaml:"jitter_percent"`
	MaxChunkSize  int           `yaml:"max_chunk_size"`
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 20,
		MaxChunkSize:  remote.MaxBatchSize,
	}
}

// Update is reported after every finished chunk.
type Update struct {
	Completed    int
	Failed       int
	CurrentBatch int
	TotalBatches int
	ChunkSize    int
	NextItem     int
	Elapsed      time.Duration
	FailedItems  []operation.FailedItem
}

// Hooks connect a run to its owner. Checkpoint is called before every chunk;
// it blocks while the operation is paused and returns ErrCancelled once it
// has been cancelled. All hooks are optional.
type Hooks struct {
	Checkpoint func(ctx context.Context) error
	OnStart    func(chunkSize, totalChunks int)
	OnProgress func(Update)
	OnChunk    func(ChunkMetrics)
	OnError    func(errclass.Classification)
}

type Result struct {
	Completed   int
	Failed      int
	ChunkSize   int
	Chunks      []ChunkMetrics
	FailedItems []operation.FailedItem
	Err         *operation.Error
}

type Executor struct {
	caller     Caller
	limiter    *ratelimit.Limiter
	classifier *errclass.Classifier
	memory     *memory.Monitor
	history    *History
	refresher  TokenRefresher
	cfg        Config
	log        *slog.Logger
}

func NewExecutor(
	caller Caller,
	limiter *ratelimit.Limiter,
	classifier *errclass.Classifier,
	mem *memory.Monitor,
	history *History,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.MaxChunkSize <= 0 || cfg.MaxChunkSize > remote.MaxBatchSize {
		cfg.MaxChunkSize = remote.MaxBatchSize
	}
	if history == nil {
		history = NewHistory()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		caller:     caller,
		limiter:    limiter,
		classifier: classifier,
		memory:     mem,
		history:    history,
		cfg:        cfg,
		log:        logger.With("component", "executor"),
	}
}

func (e *Executor) SetTokenRefresher(r TokenRefresher) {
	e.refresher = r
}

func (e *Executor) History() *History {
	return e.history
}

// ChunkSizeFor picks the chunk size for an operation of total items.
func (e *Executor) ChunkSizeFor(opType operation.OperationType, total int) int {
	base, multiplier := 100, 1.0
	if e.memory != nil {
		base = e.memory.BaseChunkSize()
		multiplier = e.memory.Stats().ChunkMultiplier
	}
	base = e.history.Recommend(opType, base)
	size := max(1, int(math.Round(float64(base)*multiplier)))

	return min(AdjustChunkSize(size, total), e.cfg.MaxChunkSize)
}

// Execute runs op to completion, failure or cancellation. The operation is
// read but never mutated; progress flows out through hooks. The returned
// error is ErrCancelled or a context error; failures of the operation itself
// are reported in Result.Err.
func (e *Executor) Execute(ctx context.Context, op *operation.Operation, hooks Hooks) (*Result, error) {
	items := op.Metadata.Items
	size := e.ChunkSizeFor(op.Type, len(items))
	chunks := Split(len(items), size)
	log := e.log.With("operation_id", op.ID)

	res := &Result{ChunkSize: size, Chunks: make([]ChunkMetrics, 0, len(chunks))}
	if hooks.OnStart != nil {
		hooks.OnStart(size, len(chunks))
	}
	log.Info("executing operation", "type", op.Type, "items", len(items), "chunk_size", size, "chunks", len(chunks))

	start := time.Now()
	var paused time.Duration

	for i, c := range chunks {
		if hooks.Checkpoint != nil {
			waitStart := time.Now()
			err := hooks.Checkpoint(ctx)
			paused += time.Since(waitStart)
			if err != nil {
				res.Chunks = append(res.Chunks, cancelled(chunks[i:])...)
				return res, err
			}
		}

		m, failedItems, cl := e.runChunk(ctx, op, c, items[c.Start:c.End], hooks)
		if ctx.Err() != nil && m.Status != CompletedChunk {
			res.Chunks = append(res.Chunks, cancelled(chunks[i:])...)
			return res, ctx.Err()
		}

		e.history.Record(op.Type, size, m)
		metrics.RecordChunk(op.Type, string(m.Status), m.Processed, m.Failed, m.EndedAt.Sub(m.StartedAt))
		res.Chunks = append(res.Chunks, m)
		res.Completed += m.Processed
		res.Failed += m.Failed
		res.FailedItems = append(res.FailedItems, failedItems...)

		if hooks.OnChunk != nil {
			hooks.OnChunk(m)
		}

		if m.Status == FailedChunk {
			for _, item := range items[c.End:] {
				res.FailedItems = append(res.FailedItems, operation.FailedItem{
					Item:      item,
					Category:  string(cl.Category),
					Retryable: cl.Retryable,
					Message:   "not attempted: operation failed",
				})
			}
			res.Err = &operation.Error{
				Category:    string(cl.Category),
				Code:        cl.Code,
				Message:     fmt.Sprintf("chunk %d failed: %s", c.Index, cl.Message),
				Retryable:   cl.Retryable,
				Suggestions: cl.Suggestions,
			}
			log.Error("chunk failed", "chunk", c.Index, "category", cl.Category, "retries", m.RetryAttempts, "error", cl.Message)
		}

		if hooks.OnProgress != nil {
			hooks.OnProgress(Update{
				Completed:    res.Completed,
				Failed:       res.Failed,
				CurrentBatch: i + 1,
				TotalBatches: len(chunks),
				ChunkSize:    size,
				NextItem:     c.End,
				Elapsed:      time.Since(start) - paused,
				FailedItems:  failedItems,
			})
		}

		if res.Err != nil {
			res.Chunks = append(res.Chunks, cancelled(chunks[i+1:])...)
			return res, nil
		}
	}

	log.Info("operation executed", "completed", res.Completed, "failed", res.Failed, "duration", time.Since(start)-paused)
	return res, nil
}

func cancelled(chunks []Chunk) []ChunkMetrics {
	out := make([]ChunkMetrics, 0, len(chunks))
	for _, c := range chunks {
		m := newChunkMetrics(c)
		m.Status = CancelledChunk
		out = append(out, *m)
	}

	return out
}

func (e *Executor) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.BaseDelay)
	if e.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(e.cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(e.cfg.MaxDelay, b)

	return retry.WithMaxRetries(errclass.MaxRetryCap, b)
}

// runChunk submits one chunk, retrying the whole chunk on retryable failures
// until the category's cap is reached.
func (e *Executor) runChunk(
	ctx context.Context,
	op *operation.Operation,
	c Chunk,
	items []operation.Item,
	hooks Hooks,
) (ChunkMetrics, []operation.FailedItem, errclass.Classification) {
	m := newChunkMetrics(c)
	m.Status = ProcessingChunk
	m.StartedAt = time.Now()

	reqs := BuildRequests(op.Type, op.Metadata, items)
	if e.memory != nil {
		buf := estimateBytes(items)
		e.memory.TrackBuffer(buf)
		defer e.memory.TrackBuffer(-buf)
	}

	var (
		failed []operation.FailedItem
		last   errclass.Classification
	)

	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx); err != nil {
				return err
			}
		}

		resp, err := e.caller.Do(ctx, reqs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			last = e.recordFailure(op, len(items), err, hooks)
			m.ErrorCategories[last.Category]++

			if !last.Retryable || m.RetryAttempts >= errclass.RetryCap(last.Category) {
				return err
			}
			if last.RequiresReauth && e.refresher != nil {
				if rerr := e.refresher.Refresh(ctx); rerr != nil {
					return fmt.Errorf("failed to refresh credentials: %w", rerr)
				}
			}

			m.RetryAttempts++
			m.Status = RetryingChunk
			metrics.RecordChunkRetry(op.Type, string(last.Category))
			e.log.Warn("retrying chunk",
				"operation_id", op.ID, "chunk", c.Index, "category", last.Category, "attempt", m.RetryAttempts)

			return retry.RetryableError(err)
		}

		if e.limiter != nil {
			e.limiter.ApplyFeedback(feedbackOf(resp.Quota))
			e.limiter.RecordSuccess()
		}
		failed = e.collect(op, items, resp.Results, hooks)

		return nil
	})

	if err != nil {
		if last.Category == "" {
			last = e.classifier.Classify(err)
		}
		m.Failed = len(items)
		m.Processed = 0
		failed = make([]operation.FailedItem, 0, len(items))
		for _, item := range items {
			failed = append(failed, operation.FailedItem{
				Item:      item,
				Category:  string(last.Category),
				Retryable: last.Retryable,
				Message:   last.Message,
			})
		}
		m.finalize(FailedChunk, e.history.Baseline(op.Type))

		return *m, failed, last
	}

	m.Failed = len(failed)
	m.Processed = len(items) - m.Failed
	for _, f := range failed {
		m.ErrorCategories[errclass.Category(f.Category)]++
	}
	m.finalize(CompletedChunk, e.history.Baseline(op.Type))

	return *m, failed, last
}

func (e *Executor) recordFailure(op *operation.Operation, items int, err error, hooks Hooks) errclass.Classification {
	cl := e.classifier.Record(e.classifier.Classify(err), op.ID, items)
	metrics.RecordClassifiedError(string(cl.Category))

	if e.limiter != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) {
			e.limiter.ApplyFeedback(feedbackOf(apiErr.Quota))
		}
		if cl.Category == errclass.RateLimitError {
			e.limiter.RecordRateLimited()
		} else {
			e.limiter.RecordFailure()
		}
	}
	if hooks.OnError != nil {
		hooks.OnError(cl)
	}

	return cl
}

// collect turns per-item results of an accepted envelope into item failures.
func (e *Executor) collect(op *operation.Operation, items []operation.Item, results []remote.SubResponse, hooks Hooks) []operation.FailedItem {
	var failed []operation.FailedItem
	throttled := false

	for i, item := range items {
		var r remote.SubResponse
		if i < len(results) {
			r = results[i]
		}
		if r.OK() {
			continue
		}

		var cl errclass.Classification
		if r.StatusCode == 0 {
			cl = errclass.ClassifyMessage(r.Message())
		} else {
			cl = e.classifier.ClassifyStatus(r.StatusCode, r.Message())
		}
		cl = e.classifier.Record(cl, op.ID, 1)
		metrics.RecordClassifiedError(string(cl.Category))
		if hooks.OnError != nil {
			hooks.OnError(cl)
		}
		throttled = throttled || cl.Category == errclass.RateLimitError

		failed = append(failed, operation.FailedItem{
			Item:       item,
			StatusCode: r.StatusCode,
			Category:   string(cl.Category),
			Retryable:  cl.Retryable,
			Message:    cl.Message,
		})
	}

	if throttled && e.limiter != nil {
		e.limiter.RecordRateLimited()
	}

	return failed
}

func feedbackOf(q remote.Quota) ratelimit.Feedback {
	return ratelimit.Feedback{
		RetryAfter:   q.RetryAfter,
		Remaining:    q.Remaining,
		HasRemaining: q.HasRemaining,
		ResetAfter:   q.ResetAfter,
	}
}
