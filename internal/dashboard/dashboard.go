// Package dashboard implements the monitoring endpoints: aggregate statistics
// over live and recorded operations, and operation history.
package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/calbulk/internal/coordinator"
	"github.com/nadmax/calbulk/internal/httputil"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/repository"
	"github.com/nadmax/calbulk/internal/repository/models"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

const (
	defaultLimit = 50
	maxLimit     = 500
	statsHours   = 24
)

type Dashboard struct {
	coord *coordinator.Coordinator
	repo  repository.OperationRepository
	log   *slog.Logger
}

type Stats struct {
	TotalOperations     int                     `json:"total_operations"`
	QueuedOperations    int                     `json:"queued_operations"`
	ActiveOperations    int                     `json:"active_operations"`
	PausedOperations    int                     `json:"paused_operations"`
	CompletedOperations int                     `json:"completed_operations"`
	FailedOperations    int                     `json:"failed_operations"`
	CancelledOperations int                     `json:"cancelled_operations"`
	OperationsByType    map[string]int          `json:"operations_by_type"`
	ItemsProcessed      int                     `json:"items_processed"`
	ItemsFailed         int                     `json:"items_failed"`
	AverageWaitTime     string                  `json:"average_wait_time"`
	HealthScore         float64                 `json:"health_score"`
	Issues              []string                `json:"issues,omitempty"`
	Rate                float64                 `json:"rate"`
	MemoryLevel         string                  `json:"memory_level"`
	ErrorsRecorded      int                     `json:"errors_recorded"`
	SuccessRate         float64                 `json:"success_rate"`
	Subscribers         int                     `json:"subscribers"`
	History             []models.OperationStats `json:"history,omitempty"`
	LastUpdated         time.Time               `json:"last_updated"`
}

// NewDashboard builds the handlers. repo may be nil, in which case history
// is served from the coordinator's recent window.
func NewDashboard(c *coordinator.Coordinator, repo repository.OperationRepository, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dashboard{coord: c, repo: repo, log: logger.With("component", "dashboard")}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ops := d.coord.List()
	status := d.coord.QueueStatus()
	report := d.coord.ErrorReport()

	stats := Stats{
		TotalOperations:  len(ops),
		OperationsByType: make(map[string]int),
		HealthScore:      status.Health.Score,
		Issues:           status.Health.Issues,
		Rate:             status.RateLimit.Rate,
		MemoryLevel:      string(status.Memory.Level),
		ErrorsRecorded:   report.TotalErrors,
		SuccessRate:      report.SuccessRate,
		Subscribers:      status.Subscribers,
		LastUpdated:      time.Now(),
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, op := range ops {
		switch op.Status {
		case operation.QueuedStatus:
			stats.QueuedOperations++
		case operation.InProgressStatus:
			stats.ActiveOperations++
		case operation.PausedStatus:
			stats.PausedOperations++
		case operation.CompletedStatus:
			stats.CompletedOperations++
		case operation.FailedStatus:
			stats.FailedOperations++
		case operation.CancelledStatus:
			stats.CancelledOperations++
		}

		stats.OperationsByType[string(op.Type)]++
		stats.ItemsProcessed += op.Progress.Completed
		stats.ItemsFailed += op.Progress.Failed

		if op.StartedAt != nil {
			totalWaitTime += op.StartedAt.Sub(op.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	if d.repo != nil {
		history, err := d.repo.GetOperationStats(r.Context(), statsHours)
		if err != nil {
			d.log.Warn("failed to load operation stats", "error", err)
		} else {
			stats.History = history
		}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetRecentOperations serves GET /api/history with optional limit and type
// query parameters.
func (d *Dashboard) GetRecentOperations(w http.ResponseWriter, r *http.Request) {
	d.writeHistory(w, r, r.URL.Query().Get("type"))
}

// GetOperationsByType serves GET /api/history/type/{type}.
func (d *Dashboard) GetOperationsByType(w http.ResponseWriter, r *http.Request) {
	opType := strings.TrimPrefix(r.URL.Path, "/api/history/type/")
	if opType == "" {
		httputil.WriteJSONError(w, "Operation type is required", http.StatusBadRequest)
		return
	}

	d.writeHistory(w, r, opType)
}

func (d *Dashboard) writeHistory(w http.ResponseWriter, r *http.Request, opType string) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if d.repo == nil {
		httputil.WriteJSON(w, http.StatusOK, d.recentFromQueue(opType, limit))
		return
	}

	var ops []models.RecentOperation
	if opType != "" {
		ops, err = d.repo.GetOperationsByType(r.Context(), opType, limit)
	} else {
		ops, err = d.repo.GetRecentOperations(r.Context(), limit)
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []models.RecentOperation{}
	}

	httputil.WriteJSON(w, http.StatusOK, ops)
}

// GetChunkHistory serves GET /api/history/operation/{id}.
func (d *Dashboard) GetChunkHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/history/operation/")
	if id == "" {
		httputil.WriteJSONError(w, "Operation ID is required", http.StatusBadRequest)
		return
	}
	if d.repo == nil {
		httputil.WriteJSONError(w, "Operation history is not configured", http.StatusServiceUnavailable)
		return
	}

	chunks, err := d.repo.GetChunkHistory(r.Context(), id)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		chunks = []models.ChunkRecord{}
	}

	httputil.WriteJSON(w, http.StatusOK, chunks)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}

	return min(n, maxLimit), nil
}

// recentFromQueue lists finished operations of the last 24 hours, newest
// first.
func (d *Dashboard) recentFromQueue(opType string, limit int) []models.RecentOperation {
	cutoff := time.Now().Add(-24 * time.Hour)
	ops := d.coord.List()

	history := []models.RecentOperation{}
	for i := len(ops) - 1; i >= 0 && len(history) < limit; i-- {
		op := ops[i]
		if !op.IsTerminal() || op.EndedAt == nil || op.EndedAt.Before(cutoff) {
			continue
		}
		if opType != "" && string(op.Type) != opType {
			continue
		}

		history = append(history, recentOperation(op))
	}

	return history
}

func recentOperation(op *operation.Operation) models.RecentOperation {
	rec := models.RecentOperation{
		OperationID:    op.ID,
		Type:           string(op.Type),
		Status:         string(op.Status),
		Priority:       int(op.Priority),
		ItemCount:      op.Metadata.ItemCount,
		CompletedItems: op.Progress.Completed,
		FailedItems:    op.Progress.Failed,
		CreatedAt:      op.CreatedAt,
		CompletedAt:    op.EndedAt,
		RetryOf:        op.Metadata.RetryOf,
	}
	if op.StartedAt != nil && op.EndedAt != nil {
		ms := int((op.EndedAt.Sub(*op.StartedAt) - op.PausedFor).Milliseconds())
		rec.DurationMs = &ms
	}
	if op.Error != nil {
		rec.ErrorCategory = op.Error.Category
		rec.ErrorMessage = op.Error.Message
	}

	return rec
}
