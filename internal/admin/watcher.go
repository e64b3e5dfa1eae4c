package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

const maxCommandBytes = 128

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithFileWatch also reads the command file whenever it is created or written.
func WithFileWatch(enabled bool) Option {
	return func(w *Watcher) {
		w.watch = enabled
	}
}

// Watcher turns SIGUSR1 and command-file changes into parsed commands.
type Watcher struct {
	path     string
	parser   *Parser
	logger   *slog.Logger
	watch    bool
	signals  chan os.Signal
	notify   *fsnotify.Watcher
	commands chan []Command
}

// NewWatcher registers for SIGUSR1 and, when enabled, for changes in the
// command file directory. Any command file left from a previous run is removed.
func NewWatcher(path string, parser *Parser, options ...Option) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("new admin watcher: empty command file path")
	}
	if parser == nil {
		return nil, fmt.Errorf("new admin watcher: nil parser")
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		parser:   parser,
		logger:   slog.Default(),
		signals:  make(chan os.Signal, 1),
		commands: make(chan []Command, 4),
	}
	for _, option := range options {
		option(w)
	}
	w.logger = w.logger.With("component", "admin", "command_file", w.path)

	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("new admin watcher: remove stale command file: %w", err)
	}

	if w.watch {
		notify, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("new admin watcher: %w", err)
		}
		if err := notify.Add(filepath.Dir(w.path)); err != nil {
			_ = notify.Close()
			return nil, fmt.Errorf("new admin watcher: watch %s: %w", filepath.Dir(w.path), err)
		}
		w.notify = notify
	}
	signal.Notify(w.signals, unix.SIGUSR1)

	return w, nil
}

// Commands returns the channel of parsed command batches.
func (w *Watcher) Commands() <-chan []Command {
	return w.commands
}

// Run reads the command file on every trigger until ctx is cancelled, then
// releases the signal registration and the file watch.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	var fileEvents <-chan fsnotify.Event
	var fileErrors <-chan error
	if w.notify != nil {
		fileEvents = w.notify.Events
		fileErrors = w.notify.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.signals:
			w.logger.Debug("command signal received")
			w.read(ctx)
		case event, ok := <-fileEvents:
			if !ok {
				fileEvents = nil
				continue
			}
			if filepath.Clean(event.Name) != w.path || (!event.Has(fsnotify.Create) && !event.Has(fsnotify.Write)) {
				continue
			}
			w.read(ctx)
		case err, ok := <-fileErrors:
			if !ok {
				fileErrors = nil
				continue
			}
			w.logger.Warn("command file watch error", "error", err)
		}
	}
}

// read consumes the command file. An empty file is left alone so a writer
// that has not finished is not lost.
func (w *Watcher) read(ctx context.Context) {
	data, err := readHead(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Error("read command file", "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Error("remove command file", "error", err)
	}

	commands := w.parser.Parse(data)
	for _, command := range commands {
		w.logger.Info("operator command", "letter", string(command.Letter), "command", command.Kind.String(), "topic", command.Topic)
	}
	if len(commands) == 0 {
		return
	}

	select {
	case w.commands <- commands:
	case <-ctx.Done():
	}
}

func (w *Watcher) close() {
	signal.Stop(w.signals)
	if w.notify != nil {
		if err := w.notify.Close(); err != nil {
			w.logger.Debug("close command file watch", "error", err)
		}
	}
}

func readHead(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open command file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxCommandBytes))
	if err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}

	return data, nil
}

// Send writes commands to path atomically and signals pid with SIGUSR1.
func Send(path string, pid int, commands string) error {
	if pid <= 0 {
		return fmt.Errorf("send commands: invalid pid %d", pid)
	}
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, ".stompy-cmd-*")
	if err != nil {
		return fmt.Errorf("send commands: %w", err)
	}
	tempPath := temp.Name()
	_, writeErr := temp.WriteString(commands)
	if err := temp.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("send commands: write %s: %w", tempPath, writeErr)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("send commands: %w", err)
	}
	if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("send commands: signal pid %d: %w", pid, err)
	}

	return nil
}
