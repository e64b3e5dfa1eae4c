package telemetry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule tracks the next due time of a cron expression. It is polled from
// the relay loop rather than running its own goroutine.
type Schedule struct {
	expr cron.Schedule
	next time.Time
}

// ParseSchedule parses a standard five-field cron expression or a descriptor
// such as "@hourly".
func ParseSchedule(expr string) (*Schedule, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	return &Schedule{expr: parsed}, nil
}

// Due reports whether the schedule fired at or before now and, if so, arms
// the following occurrence.
func (s *Schedule) Due(now time.Time) bool {
	if s.next.IsZero() {
		s.next = s.expr.Next(now)
		return false
	}
	if now.Before(s.next) {
		return false
	}
	s.next = s.expr.Next(now)

	return true
}

// Next returns the armed occurrence, arming it from now when needed.
func (s *Schedule) Next(now time.Time) time.Time {
	if s.next.IsZero() {
		s.next = s.expr.Next(now)
	}

	return s.next
}
