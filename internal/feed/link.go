package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const readChunkSize = 16 * 1024

// LinkEventKind identifies a socket notification.
type LinkEventKind uint8

const (
	// LinkDialed carries a freshly connected socket.
	LinkDialed LinkEventKind = iota
	// LinkData carries bytes read from the socket.
	LinkData
	// LinkWritten reports that one write completed.
	LinkWritten
	// LinkFailed reports a dial, read or write error.
	LinkFailed
)

// LinkEvent is posted by Link goroutines to the owning loop.
type LinkEvent struct {
	Gen  uint64
	Kind LinkEventKind
	Conn net.Conn
	Data []byte
	Err  error
}

// LinkTarget is what a dispatched LinkEvent drives; Manager satisfies it.
type LinkTarget interface {
	Receive(p []byte)
	Handle(event Event)
}

// LinkConfig configures the upstream socket.
type LinkConfig struct {
	Address     string
	DialTimeout time.Duration
	TxQueueSize int
}

// Link is the upstream socket runtime. Its methods are called only from the
// owning loop; the dial, read and write goroutines it starts communicate with
// that loop through Events and never touch Link fields.
type Link struct {
	cfg    LinkConfig
	dialer net.Dialer
	logger *slog.Logger
	events chan LinkEvent
	tx     *TxQueue

	gen     uint64
	conn    net.Conn
	dialing bool
	writing bool
	cancel  context.CancelFunc
	writes  chan []byte
	wg      sync.WaitGroup
}

var _ Transport = (*Link)(nil)

// NewLink creates an unconnected link.
func NewLink(cfg LinkConfig, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TxQueueSize <= 0 {
		cfg.TxQueueSize = 32 * 1024
	}

	return &Link{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		logger: logger.With("component", "feed_link", "address", cfg.Address),
		events: make(chan LinkEvent, 64),
		tx:     NewTxQueue(cfg.TxQueueSize),
	}
}

// Events returns the channel the owning loop must drain.
func (l *Link) Events() <-chan LinkEvent {
	return l.events
}

// Dial closes any current socket and starts connecting. Frames sent before the
// connection completes stay queued.
func (l *Link) Dial() {
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.dialing = true
	gen := l.gen
	l.logger.Debug("dialing", "gen", gen)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		conn, err := l.dialer.DialContext(ctx, "tcp", l.cfg.Address)
		if err != nil {
			l.post(ctx, LinkEvent{Gen: gen, Kind: LinkFailed, Err: fmt.Errorf("dial %s: %w", l.cfg.Address, err)})
			return
		}
		if !l.post(ctx, LinkEvent{Gen: gen, Kind: LinkDialed, Conn: conn}) {
			_ = conn.Close()
		}
	}()
}

// Send queues one encoded frame and starts a write when the socket is idle.
func (l *Link) Send(frame []byte) error {
	if err := l.tx.Push(frame); err != nil {
		return err
	}
	l.flush()

	return nil
}

// Close drops the socket and everything queued. Events already posted for the
// closed socket are recognised as stale by Dispatch.
func (l *Link) Close() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.logger.Debug("close socket", "error", err)
		}
		l.conn = nil
	}
	l.gen++
	l.dialing = false
	l.writing = false
	l.writes = nil
	l.tx.Reset()
}

// Open reports whether a socket is connected or being connected.
func (l *Link) Open() bool {
	return l.conn != nil || l.dialing
}

// Wait blocks until every goroutine started by the link has returned, then
// drops undelivered events. Close must have been called first.
func (l *Link) Wait() {
	l.wg.Wait()
	for {
		select {
		case event := <-l.events:
			if event.Conn != nil {
				_ = event.Conn.Close()
			}
		default:
			return
		}
	}
}

// Dispatch applies one event to the link and forwards its consequence to target.
func (l *Link) Dispatch(event LinkEvent, target LinkTarget) {
	if event.Gen != l.gen {
		if event.Conn != nil {
			_ = event.Conn.Close()
		}
		return
	}

	switch event.Kind {
	case LinkDialed:
		l.attach(event.Conn)
	case LinkData:
		target.Receive(event.Data)
	case LinkWritten:
		l.writing = false
		l.flush()
		if !l.writing {
			target.Handle(EventSendComplete)
		}
	case LinkFailed:
		l.logger.Warn("feed socket failed", "error", event.Err)
		target.Handle(EventSocketError)
	}
}

func (l *Link) attach(conn net.Conn) {
	l.conn = conn
	l.dialing = false
	l.writes = make(chan []byte, 1)
	l.logger.Info("feed socket connected", "local", conn.LocalAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	previous := l.cancel
	l.cancel = func() {
		cancel()
		if previous != nil {
			previous()
		}
	}
	gen := l.gen
	writes := l.writes

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.readLoop(ctx, gen, conn)
	}()
	go func() {
		defer l.wg.Done()
		l.writeLoop(ctx, gen, conn, writes)
	}()
	l.flush()
}

func (l *Link) flush() {
	if l.conn == nil || l.writing || l.tx.Len() == 0 {
		return
	}
	l.writing = true
	l.writes <- l.tx.Take()
}

func (l *Link) readLoop(ctx context.Context, gen uint64, conn net.Conn) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			if !l.post(ctx, LinkEvent{Gen: gen, Kind: LinkData, Data: buf[:n]}) {
				return
			}
		}
		if err != nil {
			l.post(ctx, LinkEvent{Gen: gen, Kind: LinkFailed, Err: fmt.Errorf("read feed socket: %w", err)})
			return
		}
	}
}

func (l *Link) writeLoop(ctx context.Context, gen uint64, conn net.Conn, writes <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-writes:
			if _, err := conn.Write(data); err != nil {
				l.post(ctx, LinkEvent{Gen: gen, Kind: LinkFailed, Err: fmt.Errorf("write feed socket: %w", err)})
				return
			}
			if !l.post(ctx, LinkEvent{Gen: gen, Kind: LinkWritten}) {
				return
			}
		}
	}
}

func (l *Link) post(ctx context.Context, event LinkEvent) bool {
	select {
	case l.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
