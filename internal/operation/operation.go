// Package operation defines the bulk operation domain model shared by the queue,
// executor, broadcaster and persistence layers. It contains operation metadata,
// status and priority definitions and progress accounting.
package operation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	OperationType     string
	OperationStatus   string
	OperationPriority int
	Phase             string
)

const (
	CopyOperation   OperationType = "copy"
	DeleteOperation OperationType = "delete"
	UpdateOperation OperationType = "update"
	MoveOperation   OperationType = "move"
)

const (
	QueuedStatus     OperationStatus = "queued"
	InProgressStatus OperationStatus = "in_progress"
	PausedStatus     OperationStatus = "paused"
	CompletedStatus  OperationStatus = "completed"
	FailedStatus     OperationStatus = "failed"
	CancelledStatus  OperationStatus = "cancelled"
)

const (
	LowPriority OperationPriority = iota
	MediumPriority
	HighPriority
)

const (
	PreparingPhase  Phase = "preparing"
	ProcessingPhase Phase = "processing"
	FinalizingPhase Phase = "finalizing"
	CompletePhase   Phase = "complete"
	ErrorPhase      Phase = "error"
)

// Item is one calendar record referenced by an operation. Body is forwarded to
// the remote API as the sub-request payload.
type Item struct {
	ID         string         `json:"id"`
	CalendarID string         `json:"calendarId,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

type Progress struct {
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	Total              int           `json:"total"`
	Percentage         float64       `json:"percentage"`
	Phase              Phase         `json:"phase"`
	ItemsPerSecond     float64       `json:"itemsPerSecond"`
	EstimatedRemaining time.Duration `json:"estimatedRemaining"`
	CurrentBatch       int           `json:"currentBatch"`
	TotalBatches       int           `json:"totalBatches"`
}

// Checkpoint is recorded when an operation is paused.
type Checkpoint struct {
	ResumeFrom     int             `json:"resumeFrom"`
	PreviousStatus OperationStatus `json:"previousStatus"`
	PausedAt       time.Time       `json:"pausedAt"`
}

type ChunkState struct {
	ChunkSize       int `json:"chunkSize"`
	TotalChunks     int `json:"totalChunks"`
	CompletedChunks int `json:"completedChunks"`
	NextItem        int `json:"nextItem"`
}

type Metadata struct {
	SourceDate  string         `json:"sourceDate,omitempty"`
	TargetDate  string         `json:"targetDate,omitempty"`
	CalendarIDs []string       `json:"calendarIds,omitempty"`
	ItemCount   int            `json:"itemCount"`
	Items       []Item         `json:"items,omitempty"`
	Chunking    *ChunkState    `json:"chunking,omitempty"`
	Checkpoint  *Checkpoint    `json:"checkpoint,omitempty"`
	RetryOf     string         `json:"retryOf,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Error is the terminal failure attached to an operation.
type Error struct {
	Category    string   `json:"category"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Retryable   bool     `json:"retryable"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// FailedItem records an item the remote API rejected.
type FailedItem struct {
	Item       Item   `json:"item"`
	StatusCode int    `json:"statusCode,omitempty"`
	Category   string `json:"category"`
	Retryable  bool   `json:"retryable"`
	Message    string `json:"message"`
}

type Operation struct {
	ID          string            `json:"id"`
	Type        OperationType     `json:"type"`
	Status      OperationStatus   `json:"status"`
	Priority    OperationPriority `json:"priority"`
	Progress    Progress          `json:"progress"`
	Error       *Error            `json:"error,omitempty"`
	Metadata    Metadata          `json:"metadata"`
	FailedItems []FailedItem      `json:"failedItems,omitempty"`
	Sequence    uint64            `json:"sequence"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
	PausedFor   time.Duration     `json:"pausedFor,omitempty"`
}

func New(opType OperationType, items []Item, priority OperationPriority) *Operation {
	return &Operation{
		ID:       uuid.New().String(),
		Type:     opType,
		Status:   QueuedStatus,
		Priority: priority,
		Progress: Progress{
			Total: len(items),
			Phase: PreparingPhase,
		},
		Metadata: Metadata{
			ItemCount: len(items),
			Items:     items,
		},
		CreatedAt: time.Now(),
	}
}

func (p OperationPriority) String() string {
	switch p {
	case LowPriority:
		return "low"
	case MediumPriority:
		return "medium"
	case HighPriority:
		return "high"
	default:
		return "unknown"
	}
}

func ParsePriority(s string) (OperationPriority, error) {
	switch strings.ToLower(s) {
	case "low":
		return LowPriority, nil
	case "", "medium", "normal":
		return MediumPriority, nil
	case "high":
		return HighPriority, nil
	default:
		return MediumPriority, fmt.Errorf("unknown priority %q", s)
	}
}

func (s OperationStatus) IsTerminal() bool {
	return s == CompletedStatus || s == FailedStatus || s == CancelledStatus
}

func (o *Operation) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Clone returns a copy that can be handed to readers without sharing mutable
// slices. Item bodies are shared and must be treated as read-only.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}

	c := *o
	c.Metadata.Items = append([]Item(nil), o.Metadata.Items...)
	c.Metadata.CalendarIDs = append([]string(nil), o.Metadata.CalendarIDs...)
	c.FailedItems = append([]FailedItem(nil), o.FailedItems...)
	if o.Metadata.Chunking != nil {
		cs := *o.Metadata.Chunking
		c.Metadata.Chunking = &cs
	}
	if o.Metadata.Checkpoint != nil {
		cp := *o.Metadata.Checkpoint
		c.Metadata.Checkpoint = &cp
	}
	if o.Error != nil {
		e := *o.Error
		e.Suggestions = append([]string(nil), o.Error.Suggestions...)
		c.Error = &e
	}
	if o.StartedAt != nil {
		t := *o.StartedAt
		c.StartedAt = &t
	}
	if o.EndedAt != nil {
		t := *o.EndedAt
		c.EndedAt = &t
	}

	return &c
}

// Reset returns the operation to a freshly queued state, discarding progress.
func (o *Operation) Reset() {
	o.Status = QueuedStatus
	o.Progress = Progress{Total: o.Metadata.ItemCount, Phase: PreparingPhase}
	o.Error = nil
	o.FailedItems = nil
	o.StartedAt = nil
	o.EndedAt = nil
	o.PausedFor = 0
	o.Metadata.Chunking = nil
	o.Metadata.Checkpoint = nil
}
