package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	name   string
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging at warn level.
func NewLogNotifier(name string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogNotifier{name: name, logger: logger}
}

// Name returns the configured notifier name.
func (n *LogNotifier) Name() string {
	return n.name
}

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, notification Notification) error {
	n.logger.WarnContext(ctx, "notification",
		"title", notification.Title,
		"body", notification.Body,
		"at", notification.At,
	)

	return nil
}
