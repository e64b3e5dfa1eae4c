// Package bufpool provides the fixed slab of message buffers shared by every topic.
//
// Buffers are addressed by Handle, an index into the slab, so queues hold
// integers rather than pointers and a released slot cannot be reached through a
// stale reference without the pool noticing.
package bufpool

import (
	"errors"
	"fmt"
)

// Handle addresses one slot of a Pool.
type Handle int32

// NoHandle is the zero-value sentinel for "no buffer".
const NoHandle Handle = -1

// ErrTooLarge indicates a body that does not fit one buffer.
var ErrTooLarge = errors.New("bufpool: body exceeds buffer capacity")

type slot struct {
	data  []byte
	size  int
	stamp int64
	inUse bool
}

// Pool is a fixed arena of equally sized buffers. It never grows and Acquire
// never blocks. Pool is not safe for concurrent use; the relay loop owns it.
type Pool struct {
	frameSize int
	slots     []slot
	free      []Handle
}

// New allocates count buffers of frameSize bytes each.
func New(count int, frameSize int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("new buffer pool: count must be > 0")
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("new buffer pool: frame size must be > 0")
	}

	arena := make([]byte, count*frameSize)
	pool := &Pool{
		frameSize: frameSize,
		slots:     make([]slot, count),
		free:      make([]Handle, 0, count),
	}
	for idx := range pool.slots {
		pool.slots[idx].data = arena[idx*frameSize : (idx+1)*frameSize : (idx+1)*frameSize]
	}
	for idx := count - 1; idx >= 0; idx-- {
		pool.free = append(pool.free, Handle(idx))
	}

	return pool, nil
}

// Acquire takes a free buffer. ok is false when the pool is exhausted.
func (p *Pool) Acquire() (handle Handle, ok bool) {
	if len(p.free) == 0 {
		return NoHandle, false
	}

	handle = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	s := &p.slots[handle]
	s.inUse = true
	s.size = 0
	s.stamp = 0

	return handle, true
}

// Release returns a buffer to the pool. Releasing a buffer that is not in use
// is a programming error and panics.
func (p *Pool) Release(handle Handle) {
	s := p.mustSlot(handle)
	if !s.inUse {
		panic(fmt.Sprintf("bufpool: double release of buffer %d", handle))
	}
	s.inUse = false
	s.size = 0
	p.free = append(p.free, handle)
}

// Fill copies body into the buffer and records its capture stamp.
func (p *Pool) Fill(handle Handle, body []byte, stamp int64) error {
	s := p.mustSlot(handle)
	if len(body) > p.frameSize {
		return fmt.Errorf("fill buffer %d with %d bytes: %w", handle, len(body), ErrTooLarge)
	}
	s.size = copy(s.data, body)
	s.stamp = stamp

	return nil
}

// Bytes returns the content of a buffer. The slice aliases pool memory and is
// only valid until the buffer is released.
func (p *Pool) Bytes(handle Handle) []byte {
	s := p.mustSlot(handle)
	return s.data[:s.size]
}

// Stamp returns the capture stamp recorded by Fill.
func (p *Pool) Stamp(handle Handle) int64 {
	return p.mustSlot(handle).stamp
}

// Size returns the total number of buffers.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Free returns the number of buffers available to Acquire.
func (p *Pool) Free() int {
	return len(p.free)
}

// FrameSize returns the capacity of each buffer.
func (p *Pool) FrameSize() int {
	return p.frameSize
}

func (p *Pool) mustSlot(handle Handle) *slot {
	if handle < 0 || int(handle) >= len(p.slots) {
		panic(fmt.Sprintf("bufpool: invalid buffer handle %d", handle))
	}

	return &p.slots[handle]
}
