package bufpool

import (
	"errors"
	"testing"
)

// TestPoolAcquireUntilExhausted verifies acquisition never blocks and reports exhaustion.
func TestPoolAcquireUntilExhausted(t *testing.T) {
	t.Parallel()

	pool, err := New(3, 16)
	if err != nil {
		t.Fatalf("new pool failed: %v", err)
	}

	seen := make(map[Handle]struct{})
	for idx := 0; idx < 3; idx++ {
		handle, ok := pool.Acquire()
		if !ok {
			t.Fatalf("acquire %d failed", idx)
		}
		if _, dup := seen[handle]; dup {
			t.Fatalf("handle %d handed out twice", handle)
		}
		seen[handle] = struct{}{}
	}

	handle, ok := pool.Acquire()
	if ok || handle != NoHandle {
		t.Fatalf("acquire on empty pool = (%d, %v), want (%d, false)", handle, ok, NoHandle)
	}
	if pool.Free() != 0 {
		t.Fatalf("free = %d, want 0", pool.Free())
	}

	for handle := range seen {
		pool.Release(handle)
	}
	if pool.Free() != pool.Size() {
		t.Fatalf("free = %d, want %d", pool.Free(), pool.Size())
	}
}

// TestPoolFillKeepsBodyAndStamp verifies buffer contents and stamp survive until release.
func TestPoolFillKeepsBodyAndStamp(t *testing.T) {
	t.Parallel()

	pool, err := New(2, 8)
	if err != nil {
		t.Fatalf("new pool failed: %v", err)
	}

	first, _ := pool.Acquire()
	second, _ := pool.Acquire()
	if err := pool.Fill(first, []byte("alpha"), 10); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if err := pool.Fill(second, []byte("beta"), 11); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	if got := string(pool.Bytes(first)); got != "alpha" {
		t.Fatalf("first bytes = %q, want alpha", got)
	}
	if got := pool.Stamp(second); got != 11 {
		t.Fatalf("second stamp = %d, want 11", got)
	}

	if err := pool.Fill(first, []byte("too long body"), 12); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize fill error = %v, want %v", err, ErrTooLarge)
	}
}

// TestPoolDoubleReleasePanics verifies double release is treated as a programming error.
func TestPoolDoubleReleasePanics(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 8)
	if err != nil {
		t.Fatalf("new pool failed: %v", err)
	}
	handle, _ := pool.Acquire()
	pool.Release(handle)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	pool.Release(handle)
}

// TestNewRejectsInvalidSizes verifies constructor validation.
func TestNewRejectsInvalidSizes(t *testing.T) {
	t.Parallel()

	if _, err := New(0, 8); err == nil {
		t.Fatal("expected error for zero count")
	}
	if _, err := New(1, 0); err == nil {
		t.Fatal("expected error for zero frame size")
	}
}
