// Package recovery builds error reports over the classifier history, mails
// them once failures pile up, and assembles bulk retry sessions from the
// still-retryable items of finished operations.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/operation"
)

var ErrNothingToRetry = errors.New("no retryable items")

// Notifier delivers a report out of band.
type Notifier interface {
	NotifyReport(ctx context.Context, r Report) error
}

type Config struct {
	ErrorThreshold int           `yaml:"error_threshold"`
	TopMessages    int           `yaml:"top_messages"`
	TrendWindow    time.Duration `yaml:"trend_window"`
	NotifyTimeout  time.Duration `yaml:"notify_timeout"`
	MaxSessions    int           `yaml:"max_sessions"`
}

func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 50,
		TopMessages:    5,
		TrendWindow:    time.Hour,
		NotifyTimeout:  30 * time.Second,
		MaxSessions:    20,
	}
}

// RetryBatch is the subset of one source operation to resubmit.
type RetryBatch struct {
	SourceID string                      `json:"sourceId"`
	Type     operation.OperationType     `json:"type"`
	Priority operation.OperationPriority `json:"priority"`
	Metadata operation.Metadata          `json:"-"`
	Items    []operation.Item            `json:"-"`
	Count    int                         `json:"count"`
}

type RetrySession struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"createdAt"`
	Batches      []RetryBatch `json:"batches"`
	ItemCount    int          `json:"itemCount"`
	OperationIDs []string     `json:"operationIds"`
}

type Engine struct {
	classifier *errclass.Classifier
	notifier   Notifier
	cfg        Config
	log        *slog.Logger

	mu          sync.Mutex
	succeeded   int
	failed      int
	sinceReport int
	sessions    []*RetrySession
	wg          sync.WaitGroup
}

func NewEngine(classifier *errclass.Classifier, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.TopMessages <= 0 {
		cfg.TopMessages = def.TopMessages
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		classifier: classifier,
		notifier:   notifier,
		cfg:        cfg,
		log:        logger.With("component", "recovery"),
	}
}

// RecordOutcome adds finished item counts used for the success rate.
func (e *Engine) RecordOutcome(succeeded, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.succeeded += succeeded
	e.failed += failed
}

// Observe counts a recorded classification. Once the threshold is crossed a
// report is generated, handed to the notifier in the background and
// returned so the caller can publish it.
func (e *Engine) Observe(errclass.Classification) (Report, bool) {
	e.mu.Lock()
	e.sinceReport++
	due := e.sinceReport >= e.cfg.ErrorThreshold
	if due {
		e.sinceReport = 0
	}
	e.mu.Unlock()

	if !due {
		return Report{}, false
	}

	r := e.GenerateReport()
	e.log.Warn("error threshold reached", "errors", r.TotalErrors, "trend", r.Trend.Direction)

	if e.notifier != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
			defer cancel()

			if err := e.notifier.NotifyReport(ctx, r); err != nil {
				e.log.Error("failed to send error report", "error", err)
			}
		}()
	}

	return r, true
}

// Wait blocks until pending notifications finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) GenerateReport() Report {
	e.mu.Lock()
	succeeded, failed := e.succeeded, e.failed
	e.mu.Unlock()

	return buildReport(
		e.classifier.History(),
		succeeded, failed,
		e.cfg.TopMessages,
		e.classifier.Trend(e.cfg.TrendWindow),
	)
}

// CreateRetrySession collects still-retryable failed items from ops. Ops that
// are not terminal are skipped.
func (e *Engine) CreateRetrySession(ops []*operation.Operation) (*RetrySession, error) {
	s := &RetrySession{ID: uuid.New().String(), CreatedAt: time.Now()}

	for _, op := range ops {
		if op == nil || !op.IsTerminal() {
			continue
		}

		var items []operation.Item
		for _, f := range op.FailedItems {
			if f.Retryable {
				items = append(items, f.Item)
			}
		}
		if len(items) == 0 {
			continue
		}

		meta := op.Metadata
		meta.Items = items
		meta.ItemCount = len(items)
		meta.Chunking = nil
		meta.Checkpoint = nil
		meta.RetryOf = op.ID

		s.Batches = append(s.Batches, RetryBatch{
			SourceID: op.ID,
			Type:     op.Type,
			Priority: op.Priority,
			Metadata: meta,
			Items:    items,
			Count:    len(items),
		})
		s.ItemCount += len(items)
	}

	if s.ItemCount == 0 {
		return nil, ErrNothingToRetry
	}

	return s, nil
}

// Track remembers a session once its operations have been enqueued.
func (e *Engine) Track(s *RetrySession) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessions = append(e.sessions, s)
	if over := len(e.sessions) - e.cfg.MaxSessions; over > 0 {
		e.sessions = append([]*RetrySession(nil), e.sessions[over:]...)
	}
	e.log.Info("retry session created", "session_id", s.ID, "items", s.ItemCount, "operations", len(s.OperationIDs))
}

func (e *Engine) Sessions() []RetrySession {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RetrySession, len(e.sessions))
	for i, s := range e.sessions {
		out[i] = *s
	}

	return out
}

// Totals returns the recorded outcome counters.
func (e *Engine) Totals() (succeeded, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.succeeded, e.failed
}

// Restore reinstates outcome counters from a snapshot.
func (e *Engine) Restore(succeeded, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.succeeded, e.failed = succeeded, failed
}
