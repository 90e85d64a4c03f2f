package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ParseSchedule validates a sweep schedule: a 5-field cron expression or a
// descriptor such as "@every 1m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	return cron.ParseStandard(e)
}

// RunSweep reconciles every owner on the given schedule until ctx is done.
// Sweeps never overlap.
func (r *Reconciler) RunSweep(ctx context.Context, expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if err := r.ReconcileAll(ctx); err != nil {
			r.logger.Warn("reconcile sweep failed", "error", err)
		}
	}))

	r.logger.Info("reconcile sweep scheduled", "schedule", expr)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
