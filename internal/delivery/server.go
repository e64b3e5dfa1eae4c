// Package delivery serves each topic's queue to at most one local consumer over
// the length-prefixed, single-outstanding, application-acknowledged protocol.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"stompy/internal/bufpool"
	"stompy/internal/streamq"
	"stompy/pkg/relay"
)

var (
	// ErrUnexpectedAck indicates acknowledgement bytes with nothing outstanding,
	// or more than one byte for one message.
	ErrUnexpectedAck = errors.New("delivery: unexpected acknowledgement bytes")
	// ErrReplaced indicates a consumer connection superseded by a newer one.
	ErrReplaced = errors.New("delivery: consumer replaced by new connection")
	// ErrHeld indicates a consumer closed because its topic was held.
	ErrHeld = errors.New("delivery: topic held")
	// ErrDraining indicates a consumer closed by shutdown.
	ErrDraining = errors.New("delivery: server draining")
)

// EventKind identifies a delivery socket notification.
type EventKind uint8

const (
	// EventAccepted carries a new consumer connection.
	EventAccepted EventKind = iota
	// EventWritten reports that a whole message was written.
	EventWritten
	// EventAckBytes reports bytes read from the consumer.
	EventAckBytes
	// EventConnClosed reports a consumer read or write failure.
	EventConnClosed
	// EventListenerFailed reports an accept failure other than close.
	EventListenerFailed
)

// Event is posted by server goroutines to the owning loop.
type Event struct {
	Topic int
	Gen   uint64
	Kind  EventKind
	Conn  net.Conn
	N     int
	Err   error
}

// Queues is the part of the stream queue set the server drains.
type Queues interface {
	DequeueForDelivery(index int) (bufpool.Handle, bool)
	Acknowledge(index int, handle bufpool.Handle) error
	Requeue(index int)
	Bytes(handle bufpool.Handle) []byte
	Stamp(handle bufpool.Handle) int64
	State(index int) streamq.State
}

// Observer receives consumer notifications.
type Observer interface {
	ConsumerConnected(topic int)
	ConsumerLost(topic int, err error)
	Delivered(topic int, body []byte, stamp int64)
}

type noopObserver struct{}

func (noopObserver) ConsumerConnected(int)        {}
func (noopObserver) ConsumerLost(int, error)      {}
func (noopObserver) Delivered(int, []byte, int64) {}

// Config holds listener parameters. Topic i listens on BasePort+i, or on an
// ephemeral port when BasePort is 0.
type Config struct {
	BindAddress string
	BasePort    int
	ListenRetry time.Duration
	Topics      []string
}

// Status is a read-only view of one topic's consumer side.
type Status struct {
	Listening bool
	Connected bool
	State     SessionState
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the notification receiver.
func WithObserver(observer Observer) Option {
	return func(s *Server) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithNow overrides the time source used for listener retries.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server owns every topic listener and consumer session. Its methods are called
// only from the owning loop; its goroutines communicate through Events.
type Server struct {
	cfg      Config
	queues   Queues
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	sessions []*session
	events   chan Event
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	gen      uint64
	draining bool
	closed   bool
}

// NewServer creates a server with no listeners open.
func NewServer(cfg Config, queues Queues, options ...Option) (*Server, error) {
	if queues == nil {
		return nil, fmt.Errorf("new delivery server: nil queues")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("new delivery server: no topics")
	}
	if cfg.BasePort < 0 || cfg.BasePort+len(cfg.Topics) > 65536 {
		return nil, fmt.Errorf("new delivery server: base port %d out of range", cfg.BasePort)
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		queues:   queues,
		observer: noopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make([]*session, 0, len(cfg.Topics)),
		events:   make(chan Event, 4*len(cfg.Topics)+8),
		ctx:      ctx,
		stop:     stop,
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.With("component", "delivery")
	for idx, name := range cfg.Topics {
		s.sessions = append(s.sessions, &session{topic: idx, name: name, handle: bufpool.NoHandle})
	}

	return s, nil
}

// Events returns the channel the owning loop must drain.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Start opens every listener. A listener that fails to bind is retried by Tick.
func (s *Server) Start() {
	for idx := range s.sessions {
		s.listen(idx)
	}
}

// Addr returns the bound address of topic's listener, or nil.
func (s *Server) Addr(topic int) net.Addr {
	if topic < 0 || topic >= len(s.sessions) || s.sessions[topic].listener == nil {
		return nil
	}

	return s.sessions[topic].listener.Addr()
}

// Dispatch applies one event and then tries to send on the affected topic.
func (s *Server) Dispatch(event Event) {
	if event.Topic < 0 || event.Topic >= len(s.sessions) {
		if event.Conn != nil {
			_ = event.Conn.Close()
		}
		return
	}
	sess := s.sessions[event.Topic]

	switch event.Kind {
	case EventAccepted:
		if event.Gen != sess.listenGen || sess.listener == nil {
			_ = event.Conn.Close()
			return
		}
		s.accept(sess, event.Conn)
	case EventListenerFailed:
		if event.Gen != sess.listenGen || sess.listener == nil {
			return
		}
		s.logger.Error("consumer listener failed", "topic", sess.name, "error", event.Err)
		s.closeListener(sess)
		sess.retryAt = s.now().Add(s.cfg.ListenRetry)
	case EventWritten:
		if event.Gen != sess.gen || !sess.attached() || sess.state != SessionSending {
			return
		}
		sess.state = SessionAwaitingAck
		if sess.pendingAck {
			s.acknowledge(sess)
		}
	case EventAckBytes:
		if event.Gen != sess.gen || !sess.attached() {
			return
		}
		s.ackBytes(sess, event.N)
	case EventConnClosed:
		if event.Gen != sess.gen || !sess.attached() {
			return
		}
		s.drop(sess, event.Err)
	}

	s.pump(sess)
}

// Pump starts a send on every idle consumer with a deliverable message.
func (s *Server) Pump() {
	for _, sess := range s.sessions {
		s.pump(sess)
	}
}

// Hold closes topic's consumer once nothing is outstanding and refuses new
// ones while the topic stays Held.
func (s *Server) Hold(topic int) {
	if topic < 0 || topic >= len(s.sessions) {
		return
	}
	sess := s.sessions[topic]
	if !sess.attached() {
		return
	}
	if sess.busy() {
		sess.closeAfter = true
		return
	}
	s.drop(sess, ErrHeld)
}

// Release cancels a pending close requested by Hold.
func (s *Server) Release(topic int) {
	if s.draining || topic < 0 || topic >= len(s.sessions) {
		return
	}
	s.sessions[topic].closeAfter = false
}

// Drain stops accepting consumers, closes idle ones and closes busy ones after
// their outstanding acknowledgement.
func (s *Server) Drain() {
	if s.draining {
		return
	}
	s.draining = true
	for _, sess := range s.sessions {
		s.closeListener(sess)
		if !sess.attached() {
			continue
		}
		if sess.busy() {
			sess.closeAfter = true
			continue
		}
		s.drop(sess, ErrDraining)
	}
}

// Busy returns the number of consumers with a message outstanding.
func (s *Server) Busy() int {
	busy := 0
	for _, sess := range s.sessions {
		if sess.attached() && sess.busy() {
			busy++
		}
	}

	return busy
}

// Drained reports whether every listener and consumer is closed.
func (s *Server) Drained() bool {
	for _, sess := range s.sessions {
		if sess.listener != nil || sess.attached() {
			return false
		}
	}

	return true
}

// Tick retries failed listeners whose retry time has passed.
func (s *Server) Tick() {
	if s.draining || s.closed {
		return
	}
	now := s.now()
	for idx, sess := range s.sessions {
		if sess.listener == nil && !sess.retryAt.IsZero() && !now.Before(sess.retryAt) {
			s.listen(idx)
		}
	}
}

// Deadline returns the earliest pending listener retry, or the zero time.
func (s *Server) Deadline() time.Time {
	var deadline time.Time
	if s.draining || s.closed {
		return deadline
	}
	for _, sess := range s.sessions {
		if sess.listener != nil || sess.retryAt.IsZero() {
			continue
		}
		if deadline.IsZero() || sess.retryAt.Before(deadline) {
			deadline = sess.retryAt
		}
	}

	return deadline
}

// Status returns the consumer side of topic.
func (s *Server) Status(topic int) Status {
	if topic < 0 || topic >= len(s.sessions) {
		return Status{}
	}
	sess := s.sessions[topic]

	return Status{
		Listening: sess.listener != nil,
		Connected: sess.attached(),
		State:     sess.state,
	}
}

// Close closes every listener and consumer, requeues outstanding messages and
// waits for all server goroutines to return.
func (s *Server) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.draining = true
	for _, sess := range s.sessions {
		s.closeListener(sess)
		if sess.attached() {
			s.drop(sess, ErrDraining)
		}
	}
	s.stop()
	s.wg.Wait()
	for {
		select {
		case event := <-s.events:
			if event.Conn != nil {
				_ = event.Conn.Close()
			}
		default:
			return
		}
	}
}

// address returns topic's listen address. Base port 0 binds every topic to an
// ephemeral port.
func (s *Server) address(topic int) string {
	port := 0
	if s.cfg.BasePort > 0 {
		port = relay.PortForTopic(s.cfg.BasePort, topic)
	}

	return net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port))
}

func (s *Server) listen(topic int) {
	sess := s.sessions[topic]
	address := s.address(topic)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		sess.retryAt = s.now().Add(s.cfg.ListenRetry)
		s.logger.Error("consumer listener bind failed", "topic", sess.name, "address", address, "retry_in", s.cfg.ListenRetry.String(), "error", err)
		return
	}
	s.gen++
	sess.listener = listener
	sess.listenGen = s.gen
	sess.retryAt = time.Time{}
	s.logger.Info("consumer listener open", "topic", sess.name, "address", listener.Addr().String())

	gen := s.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(topic, gen, listener)
	}()
}

func (s *Server) closeListener(sess *session) {
	if sess.listener == nil {
		return
	}
	if err := sess.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("close consumer listener", "topic", sess.name, "error", err)
	}
	sess.listener = nil
}

func (s *Server) acceptLoop(topic int, gen uint64, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.post(s.ctx, Event{Topic: topic, Gen: gen, Kind: EventListenerFailed, Err: err})
			return
		}
		if !s.post(s.ctx, Event{Topic: topic, Gen: gen, Kind: EventAccepted, Conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) accept(sess *session, conn net.Conn) {
	if s.draining || s.queues.State(sess.topic) == streamq.Held {
		s.logger.Info("refusing consumer", "topic", sess.name, "remote", conn.RemoteAddr().String(), "draining", s.draining)
		_ = conn.Close()
		return
	}
	if sess.attached() {
		s.drop(sess, ErrReplaced)
	}

	s.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	sess.conn = conn
	sess.gen = s.gen
	sess.cancel = cancel
	sess.writes = make(chan []byte, 1)
	sess.state = SessionIdle
	sess.pendingAck = false
	sess.closeAfter = false
	s.logger.Info("consumer connected", "topic", sess.name, "remote", conn.RemoteAddr().String())
	s.observer.ConsumerConnected(sess.topic)

	topic, gen, writes := sess.topic, sess.gen, sess.writes
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, topic, gen, conn)
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx, topic, gen, conn, writes)
	}()
}

func (s *Server) pump(sess *session) {
	if !sess.attached() || sess.busy() {
		return
	}
	if sess.closeAfter {
		s.drop(sess, s.closeReason(sess))
		return
	}
	if s.queues.State(sess.topic) == streamq.Held {
		return
	}
	handle, ok := s.queues.DequeueForDelivery(sess.topic)
	if !ok {
		return
	}
	body := s.queues.Bytes(handle)
	payload := relay.AppendFrame(make([]byte, 0, relay.LengthPrefixSize+len(body)+1), body)
	sess.handle = handle
	sess.state = SessionSending
	sess.pendingAck = false
	sess.writes <- payload
}

func (s *Server) ackBytes(sess *session, n int) {
	switch sess.state {
	case SessionIdle:
		s.logger.Warn("consumer sent bytes with nothing outstanding", "topic", sess.name, "bytes", n)
		s.drop(sess, ErrUnexpectedAck)
	case SessionSending:
		if n != 1 || sess.pendingAck {
			s.drop(sess, ErrUnexpectedAck)
			return
		}
		sess.pendingAck = true
	case SessionAwaitingAck:
		s.acknowledge(sess)
		if n > 1 {
			s.logger.Warn("consumer sent extra bytes", "topic", sess.name, "bytes", n)
			s.drop(sess, ErrUnexpectedAck)
		}
	}
}

func (s *Server) acknowledge(sess *session) {
	handle := sess.handle
	s.observer.Delivered(sess.topic, s.queues.Bytes(handle), s.queues.Stamp(handle))
	if err := s.queues.Acknowledge(sess.topic, handle); err != nil {
		s.logger.Error("acknowledge consumer message", "topic", sess.name, "error", err)
	}
	sess.handle = bufpool.NoHandle
	sess.state = SessionIdle
	sess.pendingAck = false
	if sess.closeAfter {
		s.drop(sess, s.closeReason(sess))
	}
}

func (s *Server) closeReason(sess *session) error {
	if s.draining {
		return ErrDraining
	}

	return ErrHeld
}

// drop closes the consumer connection. An outstanding message goes back to the
// head of its queue for redelivery.
func (s *Server) drop(sess *session, reason error) {
	if !sess.attached() {
		return
	}
	if sess.busy() {
		s.queues.Requeue(sess.topic)
	}
	sess.cancel()
	if err := sess.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close consumer", "topic", sess.name, "error", err)
	}
	sess.conn = nil
	sess.cancel = nil
	sess.writes = nil
	sess.handle = bufpool.NoHandle
	sess.state = SessionIdle
	sess.pendingAck = false
	sess.closeAfter = false
	s.logger.Info("consumer disconnected", "topic", sess.name, "reason", reason)
	s.observer.ConsumerLost(sess.topic, reason)
}

func (s *Server) readLoop(ctx context.Context, topic int, gen uint64, conn net.Conn) {
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !s.post(ctx, Event{Topic: topic, Gen: gen, Kind: EventAckBytes, N: n}) {
				return
			}
		}
		if err != nil {
			s.post(ctx, Event{Topic: topic, Gen: gen, Kind: EventConnClosed, Err: fmt.Errorf("read consumer: %w", err)})
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, topic int, gen uint64, conn net.Conn, writes <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-writes:
			if _, err := conn.Write(payload); err != nil {
				s.post(ctx, Event{Topic: topic, Gen: gen, Kind: EventConnClosed, Err: fmt.Errorf("write consumer: %w", err)})
				return
			}
			if !s.post(ctx, Event{Topic: topic, Gen: gen, Kind: EventWritten}) {
				return
			}
		}
	}
}

func (s *Server) post(ctx context.Context, event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
