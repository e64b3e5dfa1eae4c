package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const (
	defaultCommandPath   = "/usr/sbin/sendreport"
	defaultSubjectPrefix = "[openrail-stompy]"
)

type commandConfig struct {
	Path          string `json:"path"`
	SubjectPrefix string `json:"subject_prefix"`
	TempDir       string `json:"temp_dir"`
}

// CommandNotifier writes the report to a temporary file and runs an external
// mailer as `<path> "<prefix> <title>" <file>`.
type CommandNotifier struct {
	name     string
	path     string
	prefix   string
	tempDir  string
	identity Identity
	logger   *slog.Logger
}

// NewCommandNotifierFromConfig parses raw JSON config and builds the notifier.
func NewCommandNotifierFromConfig(name string, raw []byte, identity Identity, logger *slog.Logger) (*CommandNotifier, error) {
	parsed := commandConfig{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	notifier := &CommandNotifier{
		name:     name,
		path:     strings.TrimSpace(parsed.Path),
		prefix:   strings.TrimSpace(parsed.SubjectPrefix),
		tempDir:  strings.TrimSpace(parsed.TempDir),
		identity: identity,
		logger:   logger,
	}
	if notifier.path == "" {
		notifier.path = defaultCommandPath
	}
	if notifier.prefix == "" {
		notifier.prefix = defaultSubjectPrefix
	}

	return notifier, nil
}

// Name returns the configured notifier name.
func (n *CommandNotifier) Name() string {
	return n.name
}

// Notify runs the mailer and waits for it to exit.
func (n *CommandNotifier) Notify(ctx context.Context, notification Notification) error {
	file, err := os.CreateTemp(n.tempDir, "stompy-report-*")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	path := file.Name()
	defer func() {
		_ = os.Remove(path)
	}()

	_, writeErr := fmt.Fprintf(file, "%s\n\n%s\n", n.identity.Preamble(), notification.Body)
	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return fmt.Errorf("write report file %s: %w", path, writeErr)
	}

	subject := n.prefix + " " + notification.Title
	output, err := exec.CommandContext(ctx, n.path, subject, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w: %s", n.path, err, strings.TrimSpace(string(output)))
	}
	n.logger.DebugContext(ctx, "report command finished", "subject", subject, "output", string(output))

	return nil
}
