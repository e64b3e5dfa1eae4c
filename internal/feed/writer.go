package feed

import "fmt"

// TxQueue holds encoded frames waiting for the socket writer. Its capacity is
// fixed; a frame that does not fit is refused whole.
type TxQueue struct {
	limit   int
	pending []byte
}

// NewTxQueue creates a transmit queue holding at most limit bytes.
func NewTxQueue(limit int) *TxQueue {
	return &TxQueue{limit: limit, pending: make([]byte, 0, limit)}
}

// Push appends one encoded frame.
func (q *TxQueue) Push(frame []byte) error {
	if len(q.pending)+len(frame) > q.limit {
		return fmt.Errorf("queue %d bytes with %d pending: %w", len(frame), len(q.pending), ErrTxQueueFull)
	}
	q.pending = append(q.pending, frame...)

	return nil
}

// Take removes and returns everything queued. The returned slice is owned by the caller.
func (q *TxQueue) Take() []byte {
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]byte, len(q.pending))
	copy(out, q.pending)
	q.pending = q.pending[:0]

	return out
}

// Len returns the number of queued bytes.
func (q *TxQueue) Len() int {
	return len(q.pending)
}

// Reset drops everything queued, as after a reconnect.
func (q *TxQueue) Reset() {
	q.pending = q.pending[:0]
}
