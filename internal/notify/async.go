package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Async delivers events on background goroutines with a per-event timeout so
// callers never block on a slow mail server.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Notify schedules delivery and returns immediately. The caller's context
// only contributes its values; its cancellation does not abort delivery.
func (a *Async) Notify(ctx context.Context, ev Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(sendCtx, ev); err != nil {
			a.logger.Warn("notification failed",
				"event", string(ev.Kind),
				"job_id", ev.JobID.String(),
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
