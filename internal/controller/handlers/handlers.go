// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"runplane/internal/logger"
	"runplane/internal/runner"
	"runplane/internal/runs"
	"runplane/internal/store"
	"runplane/pkg/api"

	"github.com/google/uuid"
)

// RunService is the run lifecycle the handlers expose.
type RunService interface {
	Submit(ctx context.Context, owner string, req runs.SubmitRequest) (*store.Job, error)
	List(ctx context.Context, owner string) ([]store.Job, error)
	Get(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error)
	Delete(ctx context.Context, owner string, id uuid.UUID) error
	Logs(ctx context.Context, owner string, id uuid.UUID, tail int) ([]runner.ScenarioLog, error)
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	runs   RunService
	logger *slog.Logger
}

// New creates a new Handlers instance.
func New(s RunService, logger *slog.Logger) *Handlers {
	return &Handlers{runs: s, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func toAPIJob(j store.Job) api.Job {
	return api.Job{
		ID:          j.ID.String(),
		Owner:       j.Owner,
		DisplayName: j.DisplayName,
		Status:      string(j.Status),
		Description: j.Description,
		CreatedAt:   j.CreatedAt,
	}
}

func (h *Handlers) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.logger)
}
