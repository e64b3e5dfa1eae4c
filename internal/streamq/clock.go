package streamq

import "time"

// Clock issues strictly increasing microsecond capture stamps. Two messages
// never share a stamp even when the wall clock stalls or steps backwards.
type Clock struct {
	now  func() time.Time
	last int64
}

// NewClock creates a Clock whose stamps are all greater than floor.
func NewClock(now func() time.Time, floor int64) *Clock {
	if now == nil {
		now = time.Now
	}

	return &Clock{now: now, last: floor}
}

// Next returns the next capture stamp.
func (c *Clock) Next() int64 {
	stamp := c.now().UnixMicro()
	if stamp <= c.last {
		stamp = c.last + 1
	}
	c.last = stamp

	return stamp
}
