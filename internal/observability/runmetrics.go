package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics records job lifecycle metrics. A nil *RunMetrics is valid and
// records nothing.
type RunMetrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
}

// NewRunMetrics registers the runplane instruments on meter. queueDepth and
// running are sampled on every collection.
func NewRunMetrics(meter metric.Meter, queueDepth, running func() int64) (*RunMetrics, error) {
	started, err := meter.Int64Counter("runplane.runs.started",
		metric.WithDescription("Jobs launched by the dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("create started counter: %w", err)
	}

	finished, err := meter.Int64Counter("runplane.runs.finished",
		metric.WithDescription("Jobs that reached a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("create finished counter: %w", err)
	}

	if queueDepth != nil {
		_, err = meter.Int64ObservableGauge("runplane.queue.depth",
			metric.WithDescription("Jobs waiting in the in-memory queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(queueDepth())
				return nil
			}))
		if err != nil {
			return nil, fmt.Errorf("create queue depth gauge: %w", err)
		}
	}

	if running != nil {
		_, err = meter.Int64ObservableGauge("runplane.runs.running",
			metric.WithDescription("Launched jobs whose process is alive"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(running())
				return nil
			}))
		if err != nil {
			return nil, fmt.Errorf("create running gauge: %w", err)
		}
	}

	return &RunMetrics{started: started, finished: finished}, nil
}

// RunStarted counts a launch.
func (m *RunMetrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1)
}

// RunFinished counts a terminal transition.
func (m *RunMetrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
