// Package message defines the wire messages exchanged with foreground clients:
// inbound bulk requests, control commands, outbound events and streaming
// commands. Raw payloads are validated once by Decode and DecodeStream; the
// rest of the coordinator only sees typed values.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/calbulk/internal/operation"
)

type Kind string

const (
	BulkCopy   Kind = "BULK_COPY"
	BulkDelete Kind = "BULK_DELETE"
	BulkUpdate Kind = "BULK_UPDATE"
	BulkMove   Kind = "BULK_MOVE"

	OperationPause  Kind = "OPERATION_PAUSE"
	OperationResume Kind = "OPERATION_RESUME"
	OperationCancel Kind = "OPERATION_CANCEL"
	PriorityAdjust  Kind = "PRIORITY_ADJUST"

	ProgressUpdate    Kind = "PROGRESS_UPDATE"
	OperationComplete Kind = "OPERATION_COMPLETE"
	ErrorReport       Kind = "ERROR_REPORT"
	QueueStatus       Kind = "QUEUE_STATUS"
	StateSync         Kind = "STATE_SYNC"

	Subscribe   Kind = "SUBSCRIBE"
	Unsubscribe Kind = "UNSUBSCRIBE"
	Ping        Kind = "PING"
	Pong        Kind = "PONG"
	BatchUpdate Kind = "BATCH_UPDATE"
)

var ErrInvalidMessage = errors.New("invalid message")

var bulkKinds = map[Kind]operation.OperationType{
	BulkCopy:   operation.CopyOperation,
	BulkDelete: operation.DeleteOperation,
	BulkUpdate: operation.UpdateOperation,
	BulkMove:   operation.MoveOperation,
}

// OperationType reports the operation type a bulk kind requests.
func (k Kind) OperationType() (operation.OperationType, bool) {
	t, ok := bulkKinds[k]
	return t, ok
}

// BulkKind is the inverse of OperationType.
func BulkKind(t operation.OperationType) Kind {
	for k, v := range bulkKinds {
		if v == t {
			return k
		}
	}

	return ""
}

// Priority orders outbound events inside one broadcast batch.
func (k Kind) Priority() int {
	switch k {
	case ErrorReport:
		return 4
	case OperationComplete:
		return 3
	case StateSync:
		return 2
	case QueueStatus:
		return 1
	default:
		return 0
	}
}

// Request is either a *BulkRequest or a *ControlRequest.
type Request interface {
	Kind() Kind
	isRequest()
}

type BulkData struct {
	Events      []operation.Item `json:"events"`
	SourceDate  string           `json:"sourceDate,omitempty"`
	TargetDate  string           `json:"targetDate,omitempty"`
	CalendarIDs []string         `json:"calendarIds,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

type BulkRequest struct {
	Type        Kind
	OperationID string
	Data        BulkData
	Priority    operation.OperationPriority
	Timestamp   time.Time
}

func (r *BulkRequest) Kind() Kind { return r.Type }
func (*BulkRequest) isRequest() {}

// OperationType is always valid for a decoded request.
func (r *BulkRequest) OperationType() operation.OperationType {
	t, _ := r.Type.OperationType()
	return t
}

type ControlRequest struct {
	Type        Kind
	OperationID string
	Priority    *operation.OperationPriority
}

func (r *ControlRequest) Kind() Kind { return r.Type }
func (*ControlRequest) isRequest() {}

type envelope struct {
	Type        Kind            `json:"type"`
	OperationID string          `json:"operationId"`
	Data        json.RawMessage `json:"data"`
	Priority    string          `json:"priority"`
	Timestamp   int64           `json:"timestamp"`
}

type controlData struct {
	Priority string `json:"priority"`
}

// Decode parses and validates an inbound request or control message.
func Decode(raw []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if _, ok := env.Type.OperationType(); ok {
		return decodeBulk(env)
	}

	switch env.Type {
	case OperationPause, OperationResume, OperationCancel, PriorityAdjust:
		return decodeControl(env)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, env.Type)
	}
}

func decodeBulk(env envelope) (*BulkRequest, error) {
	var data BulkData
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidMessage, err)
	}
	if len(data.Events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidMessage)
	}

	for i, ev := range data.Events {
		if ev.ID == "" && (env.Type != BulkCopy || len(ev.Body) == 0) {
			return nil, fmt.Errorf("%w: event %d has no id", ErrInvalidMessage, i)
		}
	}

	priority, err := operation.ParsePriority(env.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ts := time.Now()
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp)
	}

	return &BulkRequest{
		Type:        env.Type,
		OperationID: env.OperationID,
		Data:        data,
		Priority:    priority,
		Timestamp:   ts,
	}, nil
}

func decodeControl(env envelope) (*ControlRequest, error) {
	if env.OperationID == "" {
		return nil, fmt.Errorf("%w: missing operationId", ErrInvalidMessage)
	}

	req := &ControlRequest{Type: env.Type, OperationID: env.OperationID}

	var data controlData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrInvalidMessage, err)
		}
	}
	if data.Priority == "" {
		data.Priority = env.Priority
	}

	if data.Priority != "" {
		p, err := operation.ParsePriority(data.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		req.Priority = &p
	}
	if env.Type == PriorityAdjust && req.Priority == nil {
		return nil, fmt.Errorf("%w: PRIORITY_ADJUST requires data.priority", ErrInvalidMessage)
	}

	return req, nil
}

type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SubmitResult struct {
	OperationID string `json:"operationId"`
}

type ControlResult struct {
	OperationID string                    `json:"operationId"`
	Status      operation.OperationStatus `json:"status"`
	Priority    string                    `json:"priority"`
}

func OK(data any) Response {
	return Response{Success: true, Data: data}
}

func Fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
