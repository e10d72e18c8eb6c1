// Package api exposes the coordinator over HTTP: inbound bulk requests,
// control messages, status queries, error reports and bulk retry.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nadmax/calbulk/internal/coordinator"
	"github.com/nadmax/calbulk/internal/dashboard"
	"github.com/nadmax/calbulk/internal/httputil"
	"github.com/nadmax/calbulk/internal/message"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/nadmax/calbulk/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 32 << 20

type API struct {
	coord *coordinator.Coordinator
	mux   *http.ServeMux
	log   *slog.Logger
}

type RetryRequest struct {
	OperationIDs []string `json:"operationIds"`
}

// NewAPI registers every route. repo may be nil; stream may be nil when the
// streaming channel is disabled.
func NewAPI(c *coordinator.Coordinator, repo repository.OperationRepository, stream http.Handler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		coord: c,
		mux:   http.NewServeMux(),
		log:   logger.With("component", "api"),
	}

	api.setupRoutes(repo, stream)
	return api
}

func (a *API) setupRoutes(repo repository.OperationRepository, stream http.Handler) {
	a.mux.HandleFunc("/api/operations", a.handleOperations)
	a.mux.HandleFunc("/api/operations/", a.handleOperationByID)
	a.mux.HandleFunc("/api/queue/status", a.getQueueStatus)
	a.mux.HandleFunc("/api/errors/report", a.getErrorReport)
	a.mux.HandleFunc("/api/errors/retry", a.handleRetry)

	dash := dashboard.NewDashboard(a.coord, repo, a.log)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/history", dash.GetRecentOperations)
	a.mux.HandleFunc("/api/history/type/", dash.GetOperationsByType)
	a.mux.HandleFunc("/api/history/operation/", dash.GetChunkHistory)

	a.mux.Handle("/metrics", promhttp.Handler())
	if stream != nil {
		a.mux.Handle("/ws", stream)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createOperation(w, r)
	case http.MethodGet:
		a.listOperations(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn("failed to close request body", "error", err)
		}
	}()

	return body, true
}

func (a *API) createOperation(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	req, err := message.Decode(body)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, message.Fail(err))
		return
	}
	bulk, ok := req.(*message.BulkRequest)
	if !ok {
		httputil.WriteJSONError(w, "Control messages go to /api/operations/{id}/control", http.StatusBadRequest)
		return
	}

	res, err := a.coord.Submit(r.Context(), bulk)
	if err != nil {
		httputil.WriteJSON(w, statusFor(err), message.Fail(err))
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, message.OK(res))
}

func (a *API) listOperations(w http.ResponseWriter, r *http.Request) {
	ops := a.coord.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]*operation.Operation, 0, len(ops))
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}

	httputil.WriteJSON(w, http.StatusOK, ops)
}

func (a *API) handleOperationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/operations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		httputil.WriteJSONError(w, "Operation ID is required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getOperation(w, id)
	case action == "control" && r.Method == http.MethodPost:
		a.controlOperation(w, r, id)
	case action == "" || action == "control":
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	}
}

func (a *API) getOperation(w http.ResponseWriter, id string) {
	op, err := a.coord.Get(id)
	if err != nil {
		httputil.WriteJSONError(w, "Operation not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, op)
}

// controlOperation accepts a control message whose operationId comes from the
// path.
func (a *API) controlOperation(w http.ResponseWriter, r *http.Request, id string) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	fields["operationId"], _ = json.Marshal(id)
	raw, err := json.Marshal(fields)
	if err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req, err := message.Decode(raw)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, message.Fail(err))
		return
	}
	ctrl, ok := req.(*message.ControlRequest)
	if !ok {
		httputil.WriteJSONError(w, "Bulk requests go to /api/operations", http.StatusBadRequest)
		return
	}

	res, err := a.coord.Control(r.Context(), ctrl)
	if err != nil {
		httputil.WriteJSON(w, statusFor(err), message.Fail(err))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, message.OK(res))
}

func (a *API) getQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.coord.QueueStatus())
}

// getErrorReport serves the report as JSON, or as CSV with ?format=csv.
func (a *API) getErrorReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := a.coord.ErrorReport()
	if r.URL.Query().Get("format") != "csv" {
		httputil.WriteJSON(w, http.StatusOK, report)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="error-report.csv"`)
	if err := recovery.WriteCSV(w, report); err != nil {
		a.log.Error("failed to write error report", "error", err)
	}
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, http.StatusOK, a.coord.RetrySessions())
	case http.MethodPost:
		a.createRetry(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createRetry(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}

	var req RetryRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	session, err := a.coord.BulkRetry(r.Context(), req.OperationIDs)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), statusFor(err))
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, session)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicate), errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, message.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrNothingToRetry):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
