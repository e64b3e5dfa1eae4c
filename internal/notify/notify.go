// Package notify delivers operator notifications (statistics reports, alarms
// and their clearances) to configured notifiers without blocking the relay
// loop.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDropped reports a notification discarded because the queue was full.
	ErrDropped = errors.New("notify: notification dropped")
	// ErrClosed reports a notification offered after the dispatcher closed.
	ErrClosed = errors.New("notify: dispatcher closed")
)

// Notification is one titled report.
type Notification struct {
	Title string
	Body  string
	At    time.Time
}

// Notifier delivers notifications to one destination. Notify may block until
// ctx expires.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notification Notification) error
}

// Identity names the reporting process in notification text.
type Identity struct {
	Name  string
	Build string
	Host  string
}

// Preamble returns the first line of a report body.
func (i Identity) Preamble() string {
	return "Report from " + i.Name + " build " + i.Build + " at " + i.Host
}
