package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"runplane/internal/controller/middleware"
	"runplane/internal/runner"
	"runplane/internal/runs"
	"runplane/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// mockService implements RunService for testing.
type mockService struct {
	submitResp *store.Job
	submitErr  error
	listResp   []store.Job
	listErr    error
	getResp    *store.Job
	getErr     error
	deleteErr  error
	logsResp   []runner.ScenarioLog
	logsErr    error
	pingErr    error

	capturedOwner  string
	capturedID     uuid.UUID
	capturedSubmit runs.SubmitRequest
	capturedTail   int
}

func (m *mockService) Submit(ctx context.Context, owner string, req runs.SubmitRequest) (*store.Job, error) {
	m.capturedOwner = owner
	m.capturedSubmit = req
	return m.submitResp, m.submitErr
}

func (m *mockService) List(ctx context.Context, owner string) ([]store.Job, error) {
	m.capturedOwner = owner
	return m.listResp, m.listErr
}

func (m *mockService) Get(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	m.capturedOwner = owner
	m.capturedID = id
	return m.getResp, m.getErr
}

func (m *mockService) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	m.capturedOwner = owner
	m.capturedID = id
	return m.deleteErr
}

func (m *mockService) Logs(ctx context.Context, owner string, id uuid.UUID, tail int) ([]runner.ScenarioLog, error) {
	m.capturedOwner = owner
	m.capturedID = id
	m.capturedTail = tail
	return m.logsResp, m.logsErr
}

func (m *mockService) Ping(ctx context.Context) error {
	return m.pingErr
}

func newTestHandlers(m *mockService) *Handlers {
	return New(m, slog.New(slog.DiscardHandler))
}

// asOwner attaches the owner the way RequireOwner does.
func asOwner(r *http.Request, owner string) *http.Request {
	return r.WithContext(middleware.NewContextWithOwner(r.Context(), owner))
}

// withID sets the {id} route parameter without going through a router.
func withID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
