package streamq

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"stompy/internal/bufpool"
	"stompy/internal/spool"
)

type countingObserver struct {
	written map[int]int
	read    map[int]int
	lost    map[int]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		written: make(map[int]int),
		read:    make(map[int]int),
		lost:    make(map[int]int),
	}
}

func (o *countingObserver) SpoolWritten(topic int) { o.written[topic]++ }
func (o *countingObserver) SpoolRead(topic int)    { o.read[topic]++ }
func (o *countingObserver) MessageLost(topic int)  { o.lost[topic]++ }

type failingSpool struct{}

func (failingSpool) Write([]byte, int64) error { return errors.New("disk full") }
func (failingSpool) ReadOldest() (spool.Entry, bool, error) {
	return spool.Entry{}, false, nil
}
func (failingSpool) Count() int            { return 0 }
func (failingSpool) Oldest() (int64, bool) { return 0, false }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSet(t *testing.T, buffers int, names ...string) (*Set, []*spool.Spool, *countingObserver) {
	t.Helper()

	pool, err := bufpool.New(buffers, 64)
	if err != nil {
		t.Fatalf("new pool failed: %v", err)
	}
	root := t.TempDir()
	spools := make([]*spool.Spool, 0, len(names))
	topics := make([]TopicConfig, 0, len(names))
	for idx, name := range names {
		s, err := spool.Open(filepath.Join(root, strconv.Itoa(idx)), discardLogger())
		if err != nil {
			t.Fatalf("open spool failed: %v", err)
		}
		spools = append(spools, s)
		topics = append(topics, TopicConfig{Name: name, Spool: s})
	}

	observer := newCountingObserver()
	set, err := New(pool, topics, WithLogger(discardLogger()), WithObserver(observer))
	if err != nil {
		t.Fatalf("new set failed: %v", err)
	}

	return set, spools, observer
}

func assertConserved(t *testing.T, set *Set) {
	t.Helper()

	if got := set.Accounted(); got != set.PoolSize() {
		t.Fatalf("accounted buffers = %d, want %d", got, set.PoolSize())
	}
}

// deliver dequeues and acknowledges one message, returning its body.
func deliver(t *testing.T, set *Set, topic int) (string, bool) {
	t.Helper()

	handle, ok := set.DequeueForDelivery(topic)
	if !ok {
		return "", false
	}
	body := string(set.Bytes(handle))
	if err := set.Acknowledge(topic, handle); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	return body, true
}

// TestEnqueueLiveStaysInMemory verifies a Live topic keeps messages in memory in order.
func TestEnqueueLiveStaysInMemory(t *testing.T) {
	t.Parallel()

	set, spools, _ := newTestSet(t, 4, "A")
	for _, body := range []string{"one", "two", "three"} {
		if err := set.Enqueue(0, []byte(body)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if spools[0].Count() != 0 {
		t.Fatalf("spool count = %d, want 0", spools[0].Count())
	}
	if set.State(0) != Live {
		t.Fatalf("state = %s, want live", set.State(0))
	}

	got := make([]string, 0, 3)
	for {
		body, ok := deliver(t, set, 0)
		if !ok {
			break
		}
		got = append(got, body)
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
	assertConserved(t, set)
}

// TestExhaustionSpillsAbsentConsumerTopic verifies fifty arrivals for an idle topic reach disk in order.
func TestExhaustionSpillsAbsentConsumerTopic(t *testing.T) {
	t.Parallel()

	set, spools, observer := newTestSet(t, 4, "A", "B")
	for idx := 0; idx < 4; idx++ {
		if err := set.Enqueue(0, []byte(fmt.Sprintf("a-%d", idx))); err != nil {
			t.Fatalf("enqueue A failed: %v", err)
		}
	}
	if _, ok := set.DequeueForDelivery(0); !ok {
		t.Fatal("expected A in-flight message")
	}
	if set.PoolFree() != 0 {
		t.Fatalf("pool free = %d, want 0", set.PoolFree())
	}

	want := make([]string, 0, 50)
	for idx := 0; idx < 50; idx++ {
		body := fmt.Sprintf("b-%02d", idx)
		want = append(want, body)
		if err := set.Enqueue(1, []byte(body)); err != nil {
			t.Fatalf("enqueue B %d failed: %v", idx, err)
		}
		assertConserved(t, set)
	}

	if spools[1].Count() != 50 {
		t.Fatalf("B spool count = %d, want 50", spools[1].Count())
	}
	if observer.written[1] != 50 {
		t.Fatalf("B spool writes = %d, want 50", observer.written[1])
	}
	if set.State(1) != Spilling {
		t.Fatalf("B state = %s, want spilling", set.State(1))
	}

	files, err := os.ReadDir(spools[1].Dir())
	if err != nil {
		t.Fatalf("read spool dir failed: %v", err)
	}
	got := make([]string, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(spools[1].Dir(), file.Name()))
		if err != nil {
			t.Fatalf("read spool file failed: %v", err)
		}
		got = append(got, string(content))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("spool order mismatch (-want +got):\n%s", diff)
	}
}

// TestSpilledTopicDrainsInOrderAndGoesLive verifies disk backlog delivery and the return to Live.
func TestSpilledTopicDrainsInOrderAndGoesLive(t *testing.T) {
	t.Parallel()

	set, spools, observer := newTestSet(t, 4, "A")
	want := make([]string, 0, 10)
	for idx := 0; idx < 10; idx++ {
		body := fmt.Sprintf("m-%d", idx)
		want = append(want, body)
		if err := set.Enqueue(0, []byte(body)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if set.State(0) != Spilling {
		t.Fatalf("state = %s, want spilling", set.State(0))
	}

	got := make([]string, 0, 10)
	for len(got) < 5 {
		body, ok := deliver(t, set, 0)
		if !ok {
			t.Fatal("expected deliverable message")
		}
		got = append(got, body)
		assertConserved(t, set)
	}

	if err := set.Enqueue(0, []byte("late")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	want = append(want, "late")

	for {
		body, ok := deliver(t, set, 0)
		if !ok {
			break
		}
		got = append(got, body)
		assertConserved(t, set)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if set.State(0) != Live {
		t.Fatalf("state = %s, want live", set.State(0))
	}
	if spools[0].Count() != 0 {
		t.Fatalf("spool count = %d, want 0", spools[0].Count())
	}
	if observer.read[0] != observer.written[0] {
		t.Fatalf("spool reads = %d, writes = %d, want equal", observer.read[0], observer.written[0])
	}
}

// TestRequeueRedeliversInFlight verifies an unacknowledged message is delivered again first.
func TestRequeueRedeliversInFlight(t *testing.T) {
	t.Parallel()

	set, _, _ := newTestSet(t, 4, "A")
	for _, body := range []string{"first", "second"} {
		if err := set.Enqueue(0, []byte(body)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	handle, ok := set.DequeueForDelivery(0)
	if !ok || string(set.Bytes(handle)) != "first" {
		t.Fatal("expected first message in flight")
	}
	again, ok := set.DequeueForDelivery(0)
	if !ok || again != handle {
		t.Fatalf("second dequeue = (%d, %v), want in-flight %d", again, ok, handle)
	}
	if err := set.Acknowledge(0, handle+1); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("acknowledge wrong buffer error = %v, want %v", err, ErrNotInFlight)
	}

	set.Requeue(0)
	assertConserved(t, set)
	body, ok := deliver(t, set, 0)
	if !ok || body != "first" {
		t.Fatalf("redelivered = (%q, %v), want first", body, ok)
	}
	body, ok = deliver(t, set, 0)
	if !ok || body != "second" {
		t.Fatalf("next = (%q, %v), want second", body, ok)
	}
}

// TestHoldAndRelease verifies hold spills the queue and release drains before going Live.
func TestHoldAndRelease(t *testing.T) {
	t.Parallel()

	set, spools, _ := newTestSet(t, 8, "A")
	for _, body := range []string{"1", "2", "3"} {
		if err := set.Enqueue(0, []byte(body)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	handle, ok := set.DequeueForDelivery(0)
	if !ok {
		t.Fatal("expected in-flight message")
	}

	if moved := set.Hold(0); moved != 2 {
		t.Fatalf("held messages moved = %d, want 2", moved)
	}
	if set.State(0) != Held {
		t.Fatalf("state = %s, want held", set.State(0))
	}
	if err := set.Enqueue(0, []byte("4")); err != nil {
		t.Fatalf("enqueue while held failed: %v", err)
	}
	if spools[0].Count() != 3 {
		t.Fatalf("spool count = %d, want 3", spools[0].Count())
	}
	if err := set.Acknowledge(0, handle); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	assertConserved(t, set)

	set.Release(0)
	if set.State(0) != Spilling {
		t.Fatalf("state after release = %s, want spilling", set.State(0))
	}

	got := make([]string, 0, 3)
	for {
		body, ok := deliver(t, set, 0)
		if !ok {
			break
		}
		got = append(got, body)
	}
	if diff := cmp.Diff([]string{"2", "3", "4"}, got); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if set.State(0) != Live {
		t.Fatalf("state = %s, want live", set.State(0))
	}
}

// TestEnqueueWriteFailureLosesOnlyThatMessage verifies durability errors are contained.
func TestEnqueueWriteFailureLosesOnlyThatMessage(t *testing.T) {
	t.Parallel()

	pool, err := bufpool.New(1, 16)
	if err != nil {
		t.Fatalf("new pool failed: %v", err)
	}
	observer := newCountingObserver()
	set, err := New(pool, []TopicConfig{{Name: "A", Spool: failingSpool{}}},
		WithLogger(discardLogger()),
		WithObserver(observer),
	)
	if err != nil {
		t.Fatalf("new set failed: %v", err)
	}

	if err := set.Enqueue(0, []byte("kept")); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := set.Enqueue(0, []byte("lost")); err == nil {
		t.Fatal("expected spool write error")
	}
	if observer.lost[0] != 2 {
		t.Fatalf("lost = %d, want 2 (flushed queue and new message)", observer.lost[0])
	}
	assertConserved(t, set)
}

// TestRandomisedConservationAndOrdering verifies buffer conservation and per-topic order under mixed load.
func TestRandomisedConservationAndOrdering(t *testing.T) {
	t.Parallel()

	set, _, _ := newTestSet(t, 6, "A", "B", "C")
	rng := rand.New(rand.NewPCG(7, 11))
	lastStamp := make([]int64, set.Len())
	sent := make([]int, set.Len())
	received := make([]int, set.Len())

	for step := 0; step < 2000; step++ {
		topic := rng.IntN(set.Len())
		switch op := rng.IntN(10); {
		case op < 5:
			if err := set.Enqueue(topic, []byte(strconv.Itoa(sent[topic]))); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
			sent[topic]++
		case op < 8:
			handle, ok := set.DequeueForDelivery(topic)
			if !ok {
				continue
			}
			stamp := set.Stamp(handle)
			if stamp < lastStamp[topic] {
				t.Fatalf("topic %d stamp %d after %d", topic, stamp, lastStamp[topic])
			}
			lastStamp[topic] = stamp
			if got := string(set.Bytes(handle)); got != strconv.Itoa(received[topic]) {
				t.Fatalf("topic %d body = %s, want %d", topic, got, received[topic])
			}
			if rng.IntN(4) == 0 {
				set.Requeue(topic)
				continue
			}
			received[topic]++
			if err := set.Acknowledge(topic, handle); err != nil {
				t.Fatalf("acknowledge failed: %v", err)
			}
		case op == 8:
			set.Hold(topic)
		default:
			set.Release(topic)
		}
		assertConserved(t, set)
	}
}

// TestClockIsStrictlyIncreasing verifies stamps never repeat under a frozen clock.
func TestClockIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	frozen := time.UnixMicro(1000)
	clock := NewClock(func() time.Time { return frozen }, 5000)
	first := clock.Next()
	second := clock.Next()
	if first != 5001 || second != 5002 {
		t.Fatalf("stamps = %d, %d, want 5001, 5002", first, second)
	}
}
