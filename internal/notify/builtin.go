package notify

import (
	"context"
	"log/slog"
)

// Built-in notifier type tokens.
const (
	TypeLog     = "log"
	TypeCommand = "command"
	TypeSlack   = "slack"
)

// NewBuiltinRegistry constructs the registry with every built-in notifier.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: TypeLog,
			Builder: func(_ context.Context, definition Definition, _ Identity, logger *slog.Logger) (Notifier, error) {
				return NewLogNotifier(definition.Name, logger), nil
			},
		},
		{
			Type: TypeCommand,
			Builder: func(_ context.Context, definition Definition, identity Identity, logger *slog.Logger) (Notifier, error) {
				return NewCommandNotifierFromConfig(definition.Name, definition.Config, identity, logger)
			},
		},
		{
			Type: TypeSlack,
			Builder: func(_ context.Context, definition Definition, identity Identity, logger *slog.Logger) (Notifier, error) {
				return NewSlackNotifierFromConfig(definition.Name, definition.Config, identity, logger)
			},
		},
	})
}
