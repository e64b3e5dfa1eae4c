package kernel

import (
	"context"
	"log/slog"
	"time"

	"stompy/internal/admin"
	"stompy/internal/telemetry"
)

const (
	defaultPollInterval     = 2 * time.Second
	defaultShutdownTimeout  = 2 * time.Minute
	defaultProgressInterval = 5 * time.Second
)

// Alerter delivers operator notifications and is closed after the relay loop
// stops so queued notifications still go out.
type Alerter interface {
	telemetry.Alerter
	Close(ctx context.Context) error
}

// CommandSource produces operator command batches while Run is active.
type CommandSource interface {
	Run(ctx context.Context) error
	Commands() <-chan []admin.Command
}

// config stores resolved kernel runtime settings after option application.
type config struct {
	logger   *slog.Logger
	alerter  Alerter
	commands CommandSource
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns defaults used when options are omitted.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		logger:  logger,
		alerter: logAlerter{logger: logger},
		now:     time.Now,
	}
}

// WithLogger configures the logger used by the kernel and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		if _, isDefault := cfg.alerter.(logAlerter); isDefault {
			cfg.alerter = logAlerter{logger: logger}
		}
	}
}

// WithAlerter configures where statistics reports and alarms go.
func WithAlerter(alerter Alerter) Option {
	return func(cfg *config) {
		if alerter != nil {
			cfg.alerter = alerter
		}
	}
}

// WithCommandSource configures the operator command channel.
func WithCommandSource(source CommandSource) Option {
	return func(cfg *config) {
		if source != nil {
			cfg.commands = source
		}
	}
}

// WithMetrics shares an existing collector set.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(cfg *config) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithNow overrides the time source of every component.
func WithNow(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// logAlerter is the fallback when no notifier is configured.
type logAlerter struct {
	logger *slog.Logger
}

func (a logAlerter) Alert(title string, body string) {
	a.logger.Warn("notification", "title", title, "body", body)
}

func (logAlerter) Close(context.Context) error {
	return nil
}
