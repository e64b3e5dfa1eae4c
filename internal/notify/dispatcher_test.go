package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingNotifier struct {
	name   string
	gate   chan struct{}
	mu     sync.Mutex
	seen   []string
	fail   error
	panics bool
}

func (r *recordingNotifier) Name() string {
	return r.name
}

func (r *recordingNotifier) Notify(ctx context.Context, notification Notification) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.panics {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, notification.Title)

	return r.fail
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.seen...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDispatcherFansOutInOrder verifies every notifier sees every notification in order.
func TestDispatcherFansOutInOrder(t *testing.T) {
	t.Parallel()

	first := &recordingNotifier{name: "first", fail: errors.New("unreachable")}
	second := &recordingNotifier{name: "second"}
	broken := &recordingNotifier{name: "broken", panics: true}
	dispatcher := NewDispatcher([]Notifier{first, broken, second}, WithLogger(discardLogger()))

	dispatcher.Alert("one", "body")
	dispatcher.Alert("two", "body")
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	want := []string{"one", "two"}
	for _, notifier := range []*recordingNotifier{first, second} {
		if diff := cmp.Diff(want, notifier.titles()); diff != "" {
			t.Fatalf("%s titles mismatch (-want +got):\n%s", notifier.name, diff)
		}
	}
}

// TestDispatcherDropsNewestWhenFull verifies Alert never blocks on a slow notifier.
func TestDispatcherDropsNewestWhenFull(t *testing.T) {
	t.Parallel()

	slow := &recordingNotifier{name: "slow", gate: make(chan struct{})}
	dispatcher := NewDispatcher([]Notifier{slow}, WithQueueSize(1), WithLogger(discardLogger()))

	dispatcher.Alert("taken", "")
	deadline := time.Now().Add(2 * time.Second)
	for len(dispatcher.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never took the first notification")
		}
		time.Sleep(time.Millisecond)
	}
	dispatcher.Alert("queued", "")
	dispatcher.Alert("dropped", "")
	if got := dispatcher.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	close(slow.gate)
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if diff := cmp.Diff([]string{"taken", "queued"}, slow.titles()); diff != "" {
		t.Fatalf("titles mismatch (-want +got):\n%s", diff)
	}
}

// TestDispatcherRejectsAfterClose verifies that Close is idempotent and final.
func TestDispatcherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{name: "n"}
	dispatcher := NewDispatcher([]Notifier{notifier}, WithLogger(discardLogger()))
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if err := dispatcher.enqueue(Notification{Title: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close = %v, want ErrClosed", err)
	}
	dispatcher.Alert("late", "")
	if got := notifier.titles(); len(got) != 0 {
		t.Fatalf("titles = %v, want none", got)
	}
}
