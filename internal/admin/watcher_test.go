package admin

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func startWatcher(t *testing.T, watch bool) (*Watcher, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stompy.cmd")
	if err := os.WriteFile(path, []byte("s"), 0o600); err != nil {
		t.Fatalf("write stale file failed: %v", err)
	}
	parser, err := NewParser([]byte("ab"))
	if err != nil {
		t.Fatalf("new parser failed: %v", err)
	}
	watcher, err := NewWatcher(path, parser,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithFileWatch(watch),
	)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("stale command file not removed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run failed: %v", err)
		}
	})

	return watcher, path
}

func nextBatch(t *testing.T, watcher *Watcher) []Command {
	t.Helper()

	select {
	case commands := <-watcher.Commands():
		return commands
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commands")
		return nil
	}
}

// TestWatcherReadsOnSignal verifies Send delivers commands through SIGUSR1.
func TestWatcherReadsOnSignal(t *testing.T) {
	t.Parallel()

	watcher, path := startWatcher(t, false)
	if err := Send(path, unix.Getpid(), "aB"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	want := []Command{
		{Kind: KindHold, Topic: 0, Letter: 'a'},
		{Kind: KindRelease, Topic: 1, Letter: 'B'},
	}
	if diff := cmp.Diff(want, nextBatch(t, watcher)); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command file not removed after reading")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestWatcherReadsOnFileChange verifies the optional file watch without a signal.
func TestWatcherReadsOnFileChange(t *testing.T) {
	t.Parallel()

	watcher, path := startWatcher(t, true)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, []byte("q"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.Rename(temp, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	want := []Command{{Kind: KindStatus, Letter: 'q'}}
	if diff := cmp.Diff(want, nextBatch(t, watcher)); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

// TestSendRejectsBadPid verifies Send refuses a missing pid.
func TestSendRejectsBadPid(t *testing.T) {
	t.Parallel()

	if err := Send(filepath.Join(t.TempDir(), "stompy.cmd"), 0, "s"); err == nil {
		t.Fatal("expected error for pid 0")
	}
}
