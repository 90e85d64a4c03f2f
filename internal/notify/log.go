package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes events to a structured logger. It is used when no mail
// server is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.logger.InfoContext(ctx, "job notification",
		"event", string(ev.Kind),
		"job_id", ev.JobID.String(),
		"owner", ev.Owner,
		"display_name", ev.DisplayName,
		"description", ev.Description,
	)
	return nil
}
