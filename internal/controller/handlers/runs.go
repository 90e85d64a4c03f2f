package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"runplane/internal/controller/middleware"
	"runplane/internal/runs"
	"runplane/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxTail = 10000

// SubmitRun handles POST /runs.
// It records the run as QUEUED and hands it to the dispatcher.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := middleware.OwnerFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.runs.Submit(ctx, owner, runs.SubmitRequest{
		Name:        req.Name,
		Scenarios:   req.Scenarios,
		Switches:    req.Switches,
		Description: req.Description,
	})
	if err != nil {
		h.serviceError(w, r, "Failed to submit run", err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.SubmitRunResponse{JobID: job.ID.String()})
}

// ListRuns handles GET /runs.
// The caller's launched runs are reconciled first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, ok := middleware.OwnerFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	jobs, err := h.runs.List(ctx, owner)
	if err != nil {
		h.serviceError(w, r, "Failed to list runs", err)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.Job, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toAPIJob(j))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	job, err := h.runs.Get(ctx, owner, id)
	if err != nil {
		h.serviceError(w, r, "Failed to get run", err)
		return
	}
	h.respondJson(w, http.StatusOK, toAPIJob(*job))
}

// DeleteRun handles DELETE /runs/{id}.
// A queued run leaves the queue, a running one is killed.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	if err := h.runs.Delete(ctx, owner, id); err != nil {
		h.serviceError(w, r, "Failed to delete run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRunLogs handles GET /runs/{id}/logs?tail=N
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid tail parameter", http.StatusBadRequest)
			return
		}
		tail = min(n, maxTail)
	}

	logs, err := h.runs.Logs(ctx, owner, id, tail)
	if err != nil {
		h.serviceError(w, r, "Failed to read logs", err)
		return
	}

	resp := api.LogsResponse{Logs: make([]api.ScenarioLog, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, api.ScenarioLog{Scenario: l.Scenario, Content: l.Content})
	}
	h.respondJson(w, http.StatusOK, resp)
}

func (h *Handlers) ownerAndID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return "", uuid.Nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return "", uuid.Nil, false
	}
	return owner, id, true
}

// serviceError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		h.httpError(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, runs.ErrInvalidRequest):
		h.respondJson(w, http.StatusBadRequest, api.ErrorResponse{
			Error:   "Invalid request",
			Code:    strconv.Itoa(http.StatusBadRequest),
			Details: err.Error(),
		})
	default:
		h.log(r).Error(message, "error", err)
		h.httpError(w, message, http.StatusInternalServerError)
	}
}
