// Package reconciler infers the terminal status of launched jobs. It is
// pull-based: nothing is learned when a process exits, only when an owner's
// jobs are next inspected (or the optional sweep runs).
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"runplane/internal/observability"
	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/store"

	"github.com/google/uuid"
)

// ExitCodePolicy controls whether the process exit code takes part in the
// success decision.
type ExitCodePolicy string

const (
	// ExitCodeIgnore decides on artifacts alone.
	ExitCodeIgnore ExitCodePolicy = "ignore"
	// ExitCodeCorroborate additionally requires a zero exit code.
	ExitCodeCorroborate ExitCodePolicy = "corroborate"
)

// Probe inspects the filesystem traces of a run.
type Probe interface {
	ArtifactsPresent(p runner.Params) (bool, error)
	HasErrorMarker(displayName string) (bool, error)
}

// Store is the persistence the reconciler writes through.
type Store interface {
	store.TxBeginner
	UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error
}

// Reconciler moves launched jobs to COMPLETED or ERROR.
type Reconciler struct {
	store    Store
	registry *registry.Registry
	probe    Probe
	policy   ExitCodePolicy
	metrics  *observability.RunMetrics
	logger   *slog.Logger
}

// Config holds reconciler settings.
type Config struct {
	ExitCodePolicy ExitCodePolicy
}

func New(s Store, reg *registry.Registry, probe Probe, cfg Config, metrics *observability.RunMetrics, logger *slog.Logger) *Reconciler {
	if cfg.ExitCodePolicy == "" {
		cfg.ExitCodePolicy = ExitCodeIgnore
	}
	return &Reconciler{
		store:    s,
		registry: reg,
		probe:    probe,
		policy:   cfg.ExitCodePolicy,
		metrics:  metrics,
		logger:   logger,
	}
}

// ReconcileOwner inspects every launched job of owner. Dead processes are
// removed from the registry and their job gets a terminal status. Live ones
// are checked for error markers. Calling it again yields the same result.
func (r *Reconciler) ReconcileOwner(ctx context.Context, owner string) error {
	var errs []error
	for _, e := range r.registry.Running(owner) {
		if err := r.reconcileEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileAll runs ReconcileOwner for every owner with launched jobs.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, owner := range r.registry.Owners() {
		if err := r.ReconcileOwner(ctx, owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileEntry(ctx context.Context, e *registry.Entry) error {
	log := r.logger.With("job_id", e.JobID.String(), "owner", e.Owner)

	if e.Handle.Alive() {
		if e.ErrorMarked() {
			return nil
		}
		marked, err := r.probe.HasErrorMarker(e.DisplayName)
		if err != nil {
			log.Warn("error marker probe failed", "error", err)
			return nil
		}
		if !marked {
			return nil
		}
		if err := r.persist(ctx, e, store.JobStatusError); err != nil {
			return err
		}
		e.MarkError()
		log.Info("error marker found, job marked ERROR while still running")
		return nil
	}

	// Claim the entry so a concurrent pass does not settle it twice.
	if _, ok := r.registry.Take(e.Owner, e.JobID); !ok {
		return nil
	}

	status, err := r.terminalStatus(ctx, e)
	if err != nil {
		r.registry.Add(e)
		return fmt.Errorf("job %s: %w", e.JobID, err)
	}

	if err := r.persist(ctx, e, status); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.registry.Add(e)
			return err
		}
		log.Debug("job deleted before reconciliation")
		return nil
	}
	r.metrics.RunFinished(ctx, string(status))
	log.Info("job reconciled", "status", string(status))
	return nil
}

func (r *Reconciler) terminalStatus(ctx context.Context, e *registry.Entry) (store.JobStatus, error) {
	if e.ErrorMarked() || e.Handle.StoppedByUser() {
		return store.JobStatusError, nil
	}

	ok, err := r.probe.ArtifactsPresent(e.Params)
	if err != nil {
		return "", fmt.Errorf("probe artifacts: %w", err)
	}
	if !ok {
		return store.JobStatusError, nil
	}

	if r.policy == ExitCodeCorroborate {
		res, err := e.Handle.Wait(ctx)
		if err != nil {
			return "", fmt.Errorf("read exit status: %w", err)
		}
		if res.ExitCode != 0 || res.Error != nil {
			return store.JobStatusError, nil
		}
	}
	return store.JobStatusCompleted, nil
}

func (r *Reconciler) persist(ctx context.Context, e *registry.Entry, status store.JobStatus) error {
	return store.WithTx(ctx, r.store, func(tx store.DBTransaction) error {
		return r.store.UpdateStatus(ctx, tx, e.JobID, status)
	})
}
