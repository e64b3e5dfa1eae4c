package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultDialTimeout = 5 * time.Second

type clientConfig struct {
	maxMessageSize int
	dialTimeout    time.Duration
	retryFor       time.Duration
	onRetry        func(error, time.Duration)
}

// ClientOption mutates consumer client construction.
type ClientOption func(*clientConfig)

// WithMaxMessageSize bounds accepted message bodies.
func WithMaxMessageSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		if size > 0 {
			cfg.maxMessageSize = size
		}
	}
}

// WithDialTimeout bounds each individual connection attempt.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.dialTimeout = timeout
		}
	}
}

// WithDialRetry keeps retrying refused connections with exponential backoff for up to window.
func WithDialRetry(window time.Duration, notify func(error, time.Duration)) ClientOption {
	return func(cfg *clientConfig) {
		if window > 0 {
			cfg.retryFor = window
			cfg.onRetry = notify
		}
	}
}

// Client is a consumer of one topic's delivery endpoint.
//
// A Client is not safe for concurrent use. Each received message must be
// acknowledged before the next one is requested; the relay sends nothing more
// until it sees the acknowledgement.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int
	pending bool
	closed  bool
}

// Dial connects to a delivery endpoint such as "127.0.0.1:55840".
func Dial(ctx context.Context, address string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		maxMessageSize: DefaultMaxMessageSize,
		dialTimeout:    defaultDialTimeout,
	}
	for _, option := range options {
		option(&cfg)
	}

	dialer := &net.Dialer{Timeout: cfg.dialTimeout}
	var conn net.Conn
	connect := func() error {
		dialed, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = dialed
		return nil
	}

	var err error
	if cfg.retryFor > 0 {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 250 * time.Millisecond
		policy.MaxInterval = 8 * time.Second
		policy.MaxElapsedTime = cfg.retryFor
		err = backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), cfg.onRetry)
	} else {
		err = connect()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", address, err)
	}

	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		maxSize: cfg.maxMessageSize,
	}, nil
}

// Next blocks until the next message body arrives or ctx ends. After an error the
// stream position is undefined and the client should be closed.
func (c *Client) Next(ctx context.Context) ([]byte, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.pending {
		return nil, ErrAckPending
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	body, err := ReadFrame(c.reader, c.maxSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("next message: %w", errors.Join(ctxErr, err))
		}
		return nil, fmt.Errorf("next message: %w", err)
	}
	c.pending = true

	return body, nil
}

// Ack acknowledges the message most recently returned by Next.
func (c *Client) Ack() error {
	if c.closed {
		return ErrClientClosed
	}
	if !c.pending {
		return ErrNothingToAck
	}
	if _, err := c.conn.Write([]byte{AckByte}); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	c.pending = false

	return nil
}

// Close releases the connection. An unacknowledged message will be redelivered
// to the next consumer.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close relay client: %w", err)
	}

	return nil
}
