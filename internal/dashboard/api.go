package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/schema"
)

const apiPrefix = "/api/v1/calendar"

func (s *Server) registerAPI() {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /enable", s.handleEnable},
		{"POST /disable", s.handleDisable},
		{"POST /sync-to-calendar/{taskId}", s.handlePush},
		{"POST /sync-from-calendar/{taskId}", s.handlePull},
		{"GET /status/{taskId}", s.handleStatus},
		{"GET /history/{taskId}", s.handleHistory},
		{"POST /resolve-conflict", s.handleResolve},
		{"GET /analyze-conflict/{taskId}", s.handleAnalyze},
		{"POST /bulk-sync", s.handleBulkSync},
		{"POST /queue/{taskId}", s.handleQueue},
		{"GET /stats", s.handleStats},
	}
	for _, r := range routes {
		method, path, _ := strings.Cut(r.pattern, " ")
		s.mux.HandleFunc(method+" "+apiPrefix+path, r.handler)
	}
}

type enableRequest struct {
	TaskID     string `json:"task_id"`
	CalendarID string `json:"calendar_id"`
	Strategy   string `json:"strategy"`
}

type disableRequest struct {
	TaskID              string `json:"task_id"`
	DeleteCalendarEvent bool   `json:"delete_calendar_event"`
}

type resolveRequest struct {
	TaskID       string            `json:"task_id"`
	Strategy     string            `json:"strategy"`
	CustomFields map[string]string `json:"custom_fields"`
}

type bulkRequest struct {
	TaskIDs   []string `json:"task_ids"`
	Direction string   `json:"direction"`
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if !decode(w, r, &req) {
		return
	}
	opts := calsync.EnableOptions{CalendarID: req.CalendarID}
	if req.Strategy != "" {
		strategy, err := schema.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", calsync.ErrInvalidInput, err))
			return
		}
		opts.Strategy = strategy
	}

	link, err := s.coord.EnableSync(r.Context(), req.TaskID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.coord.DisableSync(r.Context(), req.TaskID, req.DeleteCalendarEvent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.SyncTaskToCalendar(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.SyncCalendarToTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	link, err := s.coord.GetSyncStatus(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", calsync.ErrInvalidInput))
			return
		}
		limit = n
	}

	records, err := s.coord.GetSyncHistory(r.Context(), r.PathValue("taskId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*schema.SyncHistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	resolve := calsync.ResolveRequest{Custom: req.CustomFields}
	if req.Strategy != "" {
		strategy, err := schema.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", calsync.ErrInvalidInput, err))
			return
		}
		resolve.Strategy = strategy
	}

	res, err := s.coord.ResolveConflict(r.Context(), req.TaskID, resolve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.coord.AnalyzeConflict(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	direction := schema.Bidirectional
	if req.Direction != "" {
		direction = schema.SyncDirection(strings.ToUpper(strings.ReplaceAll(req.Direction, "-", "_")))
	}

	res, err := s.coord.BulkSync(r.Context(), req.TaskIDs, direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	link, err := s.coord.QueueSync(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, link)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON request body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body: %v", calsync.ErrInvalidInput, err))
		return false
	}
	return true
}

// statusCode maps a coordinator error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, calsync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calsync.ErrAlreadySynced), errors.Is(err, calsync.ErrInvalidOperation):
		return http.StatusConflict
	case errors.Is(err, calsync.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, calsync.ErrRemoteUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	writeJSON(w, code, errorResponse{
		Error:   calsync.Kind(err),
		Message: err.Error(),
		Status:  code,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
