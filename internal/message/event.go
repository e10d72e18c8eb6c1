package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nadmax/calbulk/internal/operation"
)

// Event is one outbound notification. Seq is assigned by the broadcaster and
// breaks priority ties in arrival order.
type Event struct {
	Type        Kind      `json:"type"`
	OperationID string    `json:"operationId,omitempty"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

func NewEvent(kind Kind, operationID string, data any) Event {
	return Event{Type: kind, OperationID: operationID, Data: data, Timestamp: time.Now()}
}

type ProgressData struct {
	Status   operation.OperationStatus `json:"status"`
	Progress operation.Progress        `json:"progress"`
}

type CompleteData struct {
	Status      operation.OperationStatus `json:"status"`
	Progress    operation.Progress        `json:"progress"`
	Error       *operation.Error          `json:"error,omitempty"`
	FailedItems int                       `json:"failedItems"`
}

type ErrorReportKind string

const (
	OperationFailure ErrorReportKind = "operation_failure"
	ThresholdReport  ErrorReportKind = "threshold_report"
)

// ErrorReportData is the payload of every ERROR_REPORT event. Kind tells
// which of Error and Report is set.
type ErrorReportData struct {
	Kind   ErrorReportKind  `json:"kind"`
	Error  *operation.Error `json:"error,omitempty"`
	Report any              `json:"report,omitempty"`
}

// OperationErrorData reports the terminal failure of one operation.
func OperationErrorData(err *operation.Error) ErrorReportData {
	return ErrorReportData{Kind: OperationFailure, Error: err}
}

// ThresholdReportData carries an aggregated error report.
func ThresholdReportData(report any) ErrorReportData {
	return ErrorReportData{Kind: ThresholdReport, Report: report}
}

// StreamCommand is a client command received on the streaming channel.
type StreamCommand struct {
	Type         Kind     `json:"type"`
	OperationIDs []string `json:"operationIds,omitempty"`
}

// DecodeStream parses SUBSCRIBE, UNSUBSCRIBE and PING commands.
func DecodeStream(raw []byte) (StreamCommand, error) {
	var cmd StreamCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return StreamCommand{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch cmd.Type {
	case Subscribe, Unsubscribe, Ping:
		return cmd, nil
	default:
		return StreamCommand{}, fmt.Errorf("%w: unsupported stream command %q", ErrInvalidMessage, cmd.Type)
	}
}

// Batch is the throttled envelope sent to a subscriber.
type Batch struct {
	Type      Kind      `json:"type"`
	Messages  []Event   `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBatch(events []Event) Batch {
	return Batch{Type: BatchUpdate, Messages: events, Timestamp: time.Now()}
}

type PongMessage struct {
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPong() PongMessage {
	return PongMessage{Type: Pong, Timestamp: time.Now()}
}
