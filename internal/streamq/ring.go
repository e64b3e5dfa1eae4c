package streamq

import "stompy/internal/bufpool"

// ring is a fixed-capacity double-ended queue of buffer handles. Capacity is
// the pool size, so it can never overflow while handles are conserved.
type ring struct {
	items []bufpool.Handle
	head  int
	size  int
}

func newRing(capacity int) ring {
	return ring{items: make([]bufpool.Handle, capacity)}
}

func (r *ring) Len() int {
	return r.size
}

func (r *ring) PushBack(handle bufpool.Handle) {
	if r.size == len(r.items) {
		panic("streamq: queue overflow")
	}
	r.items[(r.head+r.size)%len(r.items)] = handle
	r.size++
}

func (r *ring) PushFront(handle bufpool.Handle) {
	if r.size == len(r.items) {
		panic("streamq: queue overflow")
	}
	r.head = (r.head - 1 + len(r.items)) % len(r.items)
	r.items[r.head] = handle
	r.size++
}

func (r *ring) PopFront() (bufpool.Handle, bool) {
	if r.size == 0 {
		return bufpool.NoHandle, false
	}
	handle := r.items[r.head]
	r.items[r.head] = bufpool.NoHandle
	r.head = (r.head + 1) % len(r.items)
	r.size--

	return handle, true
}
