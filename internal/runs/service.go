// Package runs implements the run lifecycle operations behind the API:
// submission, listing, inspection, deletion and start-up recovery.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"runplane/internal/notify"
	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	// ErrNotFound is returned for unknown jobs and jobs of another owner.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// OrphanPolicy decides what start-up recovery does with jobs left RUNNING by
// a previous process.
type OrphanPolicy string

const (
	// OrphanLeave keeps them RUNNING.
	OrphanLeave OrphanPolicy = "leave"
	// OrphanError marks them ERROR.
	OrphanError OrphanPolicy = "error"
)

// Executor is the part of the run executor the service needs.
type Executor interface {
	OutputDir(owner string, id uuid.UUID) string
	Scenarios(outputDir string) ([]string, error)
	RunLogs(p runner.Params, tail int) ([]runner.ScenarioLog, error)
	RemoveOutput(outputDir string) error
	RemoveErrorMarkers(displayName string) error
}

// Reconciler settles the launched jobs of an owner.
type Reconciler interface {
	ReconcileOwner(ctx context.Context, owner string) error
}

// SubmitRequest describes a run to queue.
type SubmitRequest struct {
	Name        string
	Scenarios   []string
	Switches    map[string]string
	Description string
}

// Config holds service settings.
type Config struct {
	OrphanedRunning OrphanPolicy
	// KillWait bounds how long Delete waits for a killed process to exit
	// before removing its files.
	KillWait time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	store      store.Store
	registry   *registry.Registry
	executor   Executor
	reconciler Reconciler
	notifier   notify.Notifier
	cfg        Config
	logger     *slog.Logger
}

func New(s store.Store, reg *registry.Registry, exec Executor, rec Reconciler, n notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.OrphanedRunning == "" {
		cfg.OrphanedRunning = OrphanLeave
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 5 * time.Second
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		store:      s,
		registry:   reg,
		executor:   exec,
		reconciler: rec,
		notifier:   n,
		cfg:        cfg,
		logger:     logger,
	}
}

// Submit records a QUEUED job and its queue entry in one transaction, then
// hands the entry to the dispatcher.
func (s *Service) Submit(ctx context.Context, owner string, req SubmitRequest) (*store.Job, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	id := uuid.New()
	params := runner.Params{
		Name:      req.Name,
		Scenarios: req.Scenarios,
		Switches:  req.Switches,
		OutputDir: s.executor.OutputDir(owner, id),
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		params.Trace = carrier
	}

	payload, err := params.Encode()
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Scenarios: " + strings.Join(req.Scenarios, ", ")
	}

	job := &store.Job{
		ID:          id,
		Owner:       owner,
		DisplayName: DisplayName(owner, req.Name),
		CreatedAt:   time.Now().UTC(),
		Status:      store.JobStatusQueued,
		Description: description,
		OutputDir:   params.OutputDir,
	}
	entry := &store.QueueEntry{ID: id, Owner: owner, Payload: payload}

	err = store.WithTx(ctx, s.store, func(tx store.DBTransaction) error {
		if err := s.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		return s.store.Enqueue(ctx, tx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("submit run: %w", err)
	}

	s.registry.Push(*entry)
	s.logger.Info("run queued", "job_id", id.String(), "owner", owner, "display_name", job.DisplayName)
	s.emit(ctx, notify.KindQueued, job)
	return job, nil
}

// List reconciles the owner's launched jobs and returns all of the owner's
// jobs, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]store.Job, error) {
	if err := s.reconciler.ReconcileOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	jobs, err := s.store.ListJobs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return jobs, nil
}

// Get reconciles the owner's launched jobs and returns one job.
func (s *Service) Get(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	if err := s.reconciler.ReconcileOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return s.owned(ctx, owner, id)
}

func (s *Service) owned(ctx context.Context, owner string, id uuid.UUID) (*store.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if job.Owner != owner {
		return nil, ErrNotFound
	}
	return job, nil
}

// Delete removes a job whatever its status. A queued job leaves the queue;
// a running job's process is killed. The job's files and error markers are
// removed last.
func (s *Service) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	log := s.logger.With("job_id", id.String(), "owner", owner)

	err = store.WithTx(ctx, s.store, func(tx store.DBTransaction) error {
		if err := s.store.RemoveEntry(ctx, tx, id); err != nil {
			return err
		}
		return s.store.DeleteJob(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	c := s.registry.Cancel(owner, id)
	switch {
	case c.Pending:
		log.Info("queued run cancelled")
	case c.Launching:
		log.Info("run cancelled while launching, dispatcher stops it")
	case c.Running != nil:
		running := c.Running
		if err := running.Handle.Stop(ctx); err != nil {
			log.Error("failed to kill run process", "error", err)
		} else {
			select {
			case <-running.Handle.Done():
			case <-time.After(s.cfg.KillWait):
				log.Warn("run process still alive after kill")
			}
			log.Info("running run killed")
		}
	}

	if err := s.executor.RemoveOutput(job.OutputDir); err != nil {
		log.Warn("failed to remove run output", "error", err)
	}
	if err := s.executor.RemoveErrorMarkers(job.DisplayName); err != nil {
		log.Warn("failed to remove error markers", "error", err)
	}

	log.Info("run deleted", "previous_status", string(job.Status))
	return nil
}

// Logs returns the engine log of every materialized scenario of a job.
func (s *Service) Logs(ctx context.Context, owner string, id uuid.UUID, tail int) ([]runner.ScenarioLog, error) {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	scenarios, err := s.executor.Scenarios(job.OutputDir)
	if err != nil {
		return nil, err
	}
	return s.executor.RunLogs(runner.Params{OutputDir: job.OutputDir, Scenarios: scenarios}, tail)
}

// Recover prepares a freshly started process. Jobs found RUNNING belonged to
// a previous process and are handled per the orphan policy; every persisted
// queue entry is pushed, in submission order. It returns how many entries
// were queued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	orphans, err := s.store.ListJobsByStatus(ctx, store.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list orphaned runs: %w", err)
	}
	for _, job := range orphans {
		log := s.logger.With("job_id", job.ID.String(), "owner", job.Owner)
		if s.cfg.OrphanedRunning != OrphanError {
			log.Warn("run was RUNNING before restart and is left as is")
			continue
		}
		err := store.WithTx(ctx, s.store, func(tx store.DBTransaction) error {
			return s.store.UpdateStatus(ctx, tx, job.ID, store.JobStatusError)
		})
		if err != nil {
			return 0, fmt.Errorf("mark orphaned run %s: %w", job.ID, err)
		}
		log.Warn("run was RUNNING before restart, marked ERROR")
	}

	entries, err := s.store.LoadQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}
	for _, e := range entries {
		s.registry.Push(e)
	}
	s.logger.Info("queue restored", "entries", len(entries), "orphaned_running", len(orphans))
	return len(entries), nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) emit(ctx context.Context, kind notify.Kind, job *store.Job) {
	err := s.notifier.Notify(ctx, notify.Event{
		Kind:        kind,
		JobID:       job.ID,
		Owner:       job.Owner,
		DisplayName: job.DisplayName,
		Description: job.Description,
	})
	if err != nil {
		s.logger.Warn("notification failed", "event", string(kind), "job_id", job.ID.String(), "error", err)
	}
}
