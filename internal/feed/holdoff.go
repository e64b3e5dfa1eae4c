package feed

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Holdoff is the reconnect delay policy: each consecutive failure adds one unit
// up to a cap. A successful CONNECTED resets it.
type Holdoff struct {
	unit  time.Duration
	limit int
	count int
}

var _ backoff.BackOff = (*Holdoff)(nil)

// NewHoldoff creates a policy that waits count*unit, with count capped at limit.
func NewHoldoff(unit time.Duration, limit int) *Holdoff {
	return &Holdoff{unit: unit, limit: max(1, limit)}
}

// NextBackOff records one more failure and returns the delay before the next attempt.
func (h *Holdoff) NextBackOff() time.Duration {
	if h.count < h.limit {
		h.count++
	}

	return time.Duration(h.count) * h.unit
}

// Reset clears the failure count.
func (h *Holdoff) Reset() {
	h.count = 0
}

// Count returns the consecutive failure count.
func (h *Holdoff) Count() int {
	return h.count
}
