// Package dispatcher runs queued jobs. It pops the head of the in-memory
// queue, launches the job's process, marks it RUNNING and then blocks until
// the process exits before taking more work. With the default concurrency of
// one, exactly one job runs server-wide.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"runplane/internal/notify"
	"runplane/internal/observability"
	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for the dispatcher.
type Config struct {
	Concurrency  int           // Jobs running at once (default: 1)
	PollInterval time.Duration // Idle poll interval (default: 2s)
	MaxBackoff   time.Duration // Maximum backoff when the queue is empty (default: 30s)
}

// Store is the persistence the dispatcher writes through.
type Store interface {
	store.TxBeginner
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error
	RemoveEntry(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error
}

// Launcher starts the process of a job and clears what a discarded start
// left behind.
type Launcher interface {
	Launch(ctx context.Context, id uuid.UUID, displayName string, p runner.Params) (runner.Handle, error)
	RemoveOutput(outputDir string) error
}

// Dispatcher is the single consumer of the registry's pending queue.
type Dispatcher struct {
	store    Store
	registry *registry.Registry
	launcher Launcher
	notifier notify.Notifier
	metrics  *observability.RunMetrics
	config   Config
	logger   *slog.Logger
	done     chan struct{}
}

// launched is a job whose process is running and whose exit the dispatcher
// waits for.
type launched struct {
	entry *registry.Entry
	job   *store.Job
	ctx   context.Context
	span  trace.Span
}

// errRequeue marks a launch that must be retried later.
var errRequeue = errors.New("job put back at the head of the queue")

// New creates a dispatcher.
func New(s Store, reg *registry.Registry, l Launcher, n notify.Notifier, metrics *observability.RunMetrics, config Config, logger *slog.Logger) *Dispatcher {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = config.PollInterval
	}

	if n == nil {
		n = notify.Nop{}
	}

	return &Dispatcher{
		store:    s,
		registry: reg,
		launcher: l,
		notifier: n,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run starts the dispatch loop. It blocks until the context is cancelled.
// Running processes are not killed on shutdown; the dispatcher only stops
// waiting for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "concurrency", d.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	currentBackoff := d.config.PollInterval

	// Set after a failed RUNNING write so a requeued job is not retried
	// before the backoff elapses.
	var holdUntil time.Time

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, releasing in-flight waits")
			wg.Wait()
			close(d.done)
			return ctx.Err()

		case <-d.registry.Ready():
			triggerPoll()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			if time.Now().Before(holdUntil) {
				continue
			}

			for len(sem) < d.config.Concurrency {
				l, found, err := d.launchNext(ctx)
				if !found {
					// Empty queue - increase backoff (exponential, capped at MaxBackoff)
					currentBackoff = min(currentBackoff*2, d.config.MaxBackoff)
					break
				}

				if errors.Is(err, errRequeue) {
					currentBackoff = min(currentBackoff*2, d.config.MaxBackoff)
					holdUntil = time.Now().Add(currentBackoff)
					break
				}

				// Found work - reset backoff to minimum
				currentBackoff = d.config.PollInterval

				if l == nil {
					continue
				}

				sem <- struct{}{}
				wg.Add(1)
				go func(l *launched) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					d.await(ctx, l)
				}(l)
			}
		}
	}
}

// Done returns a channel that is closed when the dispatcher has fully stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// launchNext pops the head of the queue and launches it. found is false when
// the queue was empty. A nil result with found set means the job did not
// start and needs no waiting.
func (d *Dispatcher) launchNext(ctx context.Context) (*launched, bool, error) {
	var l *launched

	popped, _, found, err := d.registry.Launch(func(qe store.QueueEntry) (*registry.Entry, error) {
		var lerr error
		l, lerr = d.launch(ctx, qe)
		if l == nil {
			return nil, lerr
		}
		return l.entry, lerr
	})
	if !found {
		return nil, false, nil
	}

	if errors.Is(err, registry.ErrCancelled) {
		log := d.logger.With("job_id", popped.ID.String(), "owner", popped.Owner)
		d.discard(l, log)
		log.Info("job deleted while launching, process stopped")
		return nil, true, nil
	}
	if errors.Is(err, errRequeue) {
		d.registry.PushFront(popped)
		d.logger.Warn("job requeued", "job_id", popped.ID.String(), "error", err)
		return nil, true, err
	}
	if err != nil {
		d.logger.Error("job failed to launch", "job_id", popped.ID.String(), "error", err)
		return nil, true, err
	}
	if l == nil {
		return nil, true, nil
	}

	d.metrics.RunStarted(l.ctx)
	d.emit(l.ctx, notify.KindStarted, l.job)
	return l, true, nil
}

// launch runs while the registry marks the job as launching. A deletion that
// lands meanwhile is seen either here, as a missing row, or by the registry
// once launch returns.
func (d *Dispatcher) launch(ctx context.Context, qe store.QueueEntry) (*launched, error) {
	log := d.logger.With("job_id", qe.ID.String(), "owner", qe.Owner)

	params, err := runner.DecodeParams(qe.Payload)
	if err != nil {
		d.fail(ctx, qe.ID, log)
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	job, err := d.store.GetJob(ctx, qe.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("queued job no longer exists, dropping entry")
		if err := d.store.RemoveEntry(ctx, nil, qe.ID); err != nil {
			log.Warn("failed to remove stale queue entry", "error", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w: %w", errRequeue, err)
	}

	traceCtx := ctx
	if params.Trace != nil {
		traceCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(params.Trace))
	}

	tracer := otel.Tracer("runplane-dispatcher")
	spanCtx, span := tracer.Start(traceCtx, "dispatch_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.owner", job.Owner),
			attribute.String("job.display_name", job.DisplayName),
			attribute.Int("job.scenarios", len(params.Scenarios)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)

	handle, err := d.launcher.Launch(spanCtx, job.ID, job.DisplayName, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		span.End()
		d.fail(ctx, job.ID, log)
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	err = store.WithTx(ctx, d.store, func(tx store.DBTransaction) error {
		if err := d.store.UpdateStatus(ctx, tx, job.ID, store.JobStatusRunning); err != nil {
			return err
		}
		return d.store.RemoveEntry(ctx, tx, job.ID)
	})
	if err != nil {
		d.stop(handle, log)
		span.End()
		if errors.Is(err, store.ErrNotFound) {
			if err := d.launcher.RemoveOutput(job.OutputDir); err != nil {
				log.Warn("failed to remove output of deleted job", "error", err)
			}
			log.Info("job deleted while launching, process stopped")
			return nil, nil
		}
		return nil, fmt.Errorf("mark running: %w: %w", errRequeue, err)
	}

	log.Info("job started", "display_name", job.DisplayName, "handle", handle.ID())

	job.Status = store.JobStatusRunning
	return &launched{
		entry: &registry.Entry{
			JobID:       job.ID,
			Owner:       job.Owner,
			DisplayName: job.DisplayName,
			Params:      params,
			Handle:      handle,
		},
		job:  job,
		ctx:  spanCtx,
		span: span,
	}, nil
}

// await blocks until the job's process exits or ctx is done.
func (d *Dispatcher) await(ctx context.Context, l *launched) {
	defer l.span.End()
	log := d.logger.With("job_id", l.job.ID.String(), "owner", l.job.Owner)

	result, err := l.entry.Handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutting down, job left running")
			return
		}
		l.span.RecordError(err)
		log.Warn("waiting for process failed", "error", err)
	}

	l.span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	log.Info("job process exited", "exit_code", result.ExitCode)

	d.emit(l.ctx, notify.KindCompleted, l.job)

	if err := d.store.RemoveEntry(context.WithoutCancel(ctx), nil, l.job.ID); err != nil {
		log.Warn("failed to clear queue entry", "error", err)
	}
}

// fail records a job that will never run.
func (d *Dispatcher) fail(ctx context.Context, id uuid.UUID, log *slog.Logger) {
	err := store.WithTx(ctx, d.store, func(tx store.DBTransaction) error {
		if err := d.store.UpdateStatus(ctx, tx, id, store.JobStatusError); err != nil {
			return err
		}
		return d.store.RemoveEntry(ctx, tx, id)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("failed to mark job ERROR", "error", err)
		return
	}
	if err == nil {
		d.metrics.RunFinished(ctx, string(store.JobStatusError))
	}
}

// discard stops a job that was deleted while its process started.
func (d *Dispatcher) discard(l *launched, log *slog.Logger) {
	defer l.span.End()
	d.stop(l.entry.Handle, log)
	if err := d.launcher.RemoveOutput(l.job.OutputDir); err != nil {
		log.Warn("failed to remove output of deleted job", "error", err)
	}
}

func (d *Dispatcher) stop(h runner.Handle, log *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		log.Error("failed to stop process", "error", err)
	}
}

func (d *Dispatcher) emit(ctx context.Context, kind notify.Kind, job *store.Job) {
	err := d.notifier.Notify(ctx, notify.Event{
		Kind:        kind,
		JobID:       job.ID,
		Owner:       job.Owner,
		DisplayName: job.DisplayName,
		Description: job.Description,
	})
	if err != nil {
		d.logger.Warn("notification failed", "event", string(kind), "job_id", job.ID.String(), "error", err)
	}
}
