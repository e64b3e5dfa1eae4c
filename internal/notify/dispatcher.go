package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stompy/internal/safe"
)

const (
	defaultQueueSize     = 64
	defaultNotifyTimeout = 30 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithQueueSize sets how many notifications may wait for delivery.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithTimeout bounds one Notify call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithNow overrides the notification timestamp source.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher fans notifications out to every notifier on a worker goroutine.
// Alert never blocks: when the queue is full the newest notification is
// dropped and counted.
type Dispatcher struct {
	notifiers []Notifier
	queueSize int
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	queue   chan Notification
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher and starts its worker.
func NewDispatcher(notifiers []Notifier, options ...Option) *Dispatcher {
	d := &Dispatcher{
		notifiers: append([]Notifier(nil), notifiers...),
		queueSize: defaultQueueSize,
		timeout:   defaultNotifyTimeout,
		logger:    slog.Default(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(d)
	}
	d.logger = d.logger.With("component", "notify")
	d.queue = make(chan Notification, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	go d.run()

	return d
}

// Alert queues one notification for every notifier.
func (d *Dispatcher) Alert(title string, body string) {
	if err := d.enqueue(Notification{Title: title, Body: body, At: d.now()}); err != nil {
		d.logger.Warn("notification not queued", "title", title, "error", err)
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting notifications, delivers what is already queued and
// waits for the worker or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.closed.Store(true)
		d.cancel()
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close notify dispatcher: %w", ctx.Err())
	}
}

// enqueue drops the incoming notification when the queue is full.
func (d *Dispatcher) enqueue(notification Notification) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- notification:
		return nil
	default:
		d.dropped.Add(1)
		return ErrDropped
	}
}

// run delivers until Close, then drains whatever is still queued.
func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case <-d.ctx.Done():
			for {
				select {
				case notification := <-d.queue:
					d.deliver(context.Background(), notification)
				default:
					return
				}
			}
		case notification := <-d.queue:
			d.deliver(context.Background(), notification)
		}
	}
}

// deliver calls every notifier with its own timeout and panic recovery.
func (d *Dispatcher) deliver(ctx context.Context, notification Notification) {
	for _, notifier := range d.notifiers {
		notifyCtx, cancel := context.WithTimeout(ctx, d.timeout)
		scope := fmt.Sprintf("notifier %s", notifier.Name())
		err := safe.Run(scope, func() error {
			return notifier.Notify(notifyCtx, notification)
		})
		cancel()
		if err != nil {
			d.logger.Error("notification failed", "title", notification.Title, "error", err)
		}
	}
}
