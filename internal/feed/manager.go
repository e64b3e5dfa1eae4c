package feed

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ConnState is the upstream connection manager state.
type ConnState uint8

const (
	// StateAwaitingConnect is the state before the first start event.
	StateAwaitingConnect ConnState = iota
	// StateAwaitConnected waits for the CONNECTED reply after CONNECT was queued.
	StateAwaitConnected
	// StateRunning receives MESSAGE frames.
	StateRunning
	// StateDisconnecting waits for the DISCONNECT frame to leave the socket.
	StateDisconnecting
	// StateHeld waits out the holdoff delay with the socket closed.
	StateHeld
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateAwaitConnected:
		return "await_connected"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	case StateHeld:
		return "held"
	default:
		return fmt.Sprintf("conn_state(%d)", uint8(s))
	}
}

// Event drives the connection manager.
type Event uint8

const (
	// EventStart requests a fresh connection.
	EventStart Event = iota
	// EventSocketError reports a dial, read or write failure.
	EventSocketError
	// EventProtocolFailure reports a local failure that makes the link unusable.
	EventProtocolFailure
	// EventTimeout reports expiry of the manager timer.
	EventTimeout
	// EventSendComplete reports that every queued outbound byte was written.
	EventSendComplete
	// EventFrameReceived reports one inbound frame or heartbeat.
	EventFrameReceived
	// EventShutdownRequested begins a controlled shutdown.
	EventShutdownRequested
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSocketError:
		return "socket_error"
	case EventProtocolFailure:
		return "protocol_failure"
	case EventTimeout:
		return "timeout"
	case EventSendComplete:
		return "send_complete"
	case EventFrameReceived:
		return "frame_received"
	case EventShutdownRequested:
		return "shutdown_requested"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

type action uint8

const (
	actionNone action = iota
	actionConnect
	actionHardClose
	actionSoftClose
	actionAwaitReply
	actionRefresh
)

// transitions is indexed by state then event. AwaitingConnect behaves like
// Held: only start or timeout lead anywhere.
var transitions = [...][7]action{
	StateAwaitingConnect: {actionConnect, actionNone, actionNone, actionConnect, actionNone, actionNone, actionNone},
	StateAwaitConnected:  {actionConnect, actionHardClose, actionHardClose, actionHardClose, actionNone, actionAwaitReply, actionHardClose},
	StateRunning:         {actionConnect, actionSoftClose, actionHardClose, actionSoftClose, actionNone, actionRefresh, actionSoftClose},
	StateDisconnecting:   {actionConnect, actionHardClose, actionHardClose, actionHardClose, actionHardClose, actionNone, actionNone},
	StateHeld:            {actionConnect, actionNone, actionNone, actionConnect, actionNone, actionNone, actionNone},
}

// Transport is the socket side of the link as seen by Manager. Dial starts an
// asynchronous connect whose failure arrives later as EventSocketError.
type Transport interface {
	Dial()
	Send(frame []byte) error
	Close()
	Open() bool
}

// Sink takes ownership of the content of one validated MESSAGE. A nil error
// means the message is committed locally and may be acknowledged upstream.
type Sink interface {
	Accept(message Message) error
}

// Observer receives connection manager notifications. Implementations must not
// call back into Manager.
type Observer interface {
	StateChanged(from ConnState, to ConnState)
	ConnectAttempt()
	Connected(outage time.Duration, alarmed bool)
	ConnectionLost()
	OutageAlarm(outage time.Duration)
	BytesReceived(n int)
	FrameReceived(size int)
	FrameDiscarded(err error)
}

type noopObserver struct{}

func (noopObserver) StateChanged(ConnState, ConnState) {}
func (noopObserver) ConnectAttempt()                   {}
func (noopObserver) Connected(time.Duration, bool)     {}
func (noopObserver) ConnectionLost()                   {}
func (noopObserver) OutageAlarm(time.Duration)         {}
func (noopObserver) BytesReceived(int)                 {}
func (noopObserver) FrameReceived(int)                 {}
func (noopObserver) FrameDiscarded(error)              {}

// Subscription is one upstream topic. Its index in Config.Topics is the
// subscription id.
type Subscription struct {
	Name        string
	Destination string
}

// Config holds the upstream session parameters.
type Config struct {
	User              string
	Password          string
	ClientName        string
	HeartbeatHeader   string
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	OutageAlarmAfter  time.Duration
	MaxHeader         int
	MaxBody           int
	Topics            []Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the notification receiver.
func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the upstream connection lifecycle. It is driven by one goroutine
// through Handle, Receive and Tick and is not safe for concurrent use.
type Manager struct {
	cfg       Config
	transport Transport
	sink      Sink
	holdoff   *Holdoff
	reader    *Reader
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	state        ConnState
	timer        time.Time
	lastSend     time.Time
	shuttingDown bool
	outageStart  time.Time
	alarmSent    bool
	connects     int
}

// NewManager creates a manager in StateAwaitingConnect.
func NewManager(cfg Config, transport Transport, sink Sink, holdoff *Holdoff, options ...Option) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("new feed manager: nil transport")
	}
	if sink == nil {
		return nil, fmt.Errorf("new feed manager: nil sink")
	}
	if holdoff == nil {
		return nil, fmt.Errorf("new feed manager: nil holdoff")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("new feed manager: no topics")
	}
	if cfg.InactivityTimeout <= 0 {
		return nil, fmt.Errorf("new feed manager: inactivity timeout must be > 0")
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		holdoff:   holdoff,
		reader:    NewReader(cfg.MaxHeader, cfg.MaxBody),
		observer:  noopObserver{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, option := range options {
		option(m)
	}
	m.logger = m.logger.With("component", "feed_manager")

	return m, nil
}

// State returns the current state.
func (m *Manager) State() ConnState {
	return m.state
}

// Holdoff returns the consecutive failure count.
func (m *Manager) Holdoff() int {
	return m.holdoff.Count()
}

// Connects returns the number of connection attempts made.
func (m *Manager) Connects() int {
	return m.connects
}

// Deadline returns the next instant Tick has work to do, or the zero time.
func (m *Manager) Deadline() time.Time {
	deadline := m.timer
	if m.state == StateRunning && m.cfg.HeartbeatInterval > 0 {
		beat := m.lastSend.Add(m.cfg.HeartbeatInterval)
		if deadline.IsZero() || beat.Before(deadline) {
			deadline = beat
		}
	}

	return deadline
}

// Closed reports whether the manager has settled with no socket open. During
// shutdown this is the upstream completion condition.
func (m *Manager) Closed() bool {
	return (m.state == StateHeld || m.state == StateAwaitingConnect) && !m.transport.Open()
}

// Start requests the first connection.
func (m *Manager) Start() {
	m.Handle(EventStart)
}

// Shutdown requests a controlled disconnect with no reconnect afterwards.
func (m *Manager) Shutdown() {
	m.shuttingDown = true
	m.Handle(EventShutdownRequested)
}

// ShuttingDown reports whether Shutdown was called.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown
}

// Tick fires the timer when due and sends a heartbeat on an idle running link.
func (m *Manager) Tick() {
	now := m.now()
	if !m.timer.IsZero() && !now.Before(m.timer) {
		m.timer = time.Time{}
		m.Handle(EventTimeout)
	}
	if m.state == StateRunning && m.cfg.HeartbeatInterval > 0 && now.Sub(m.lastSend) >= m.cfg.HeartbeatInterval {
		m.logger.Debug("sending heartbeat")
		if err := m.send(Heartbeat); err != nil {
			m.Handle(EventProtocolFailure)
		}
	}
}

// Receive feeds inbound socket bytes through the frame reader.
func (m *Manager) Receive(p []byte) {
	m.observer.BytesReceived(len(p))
	m.reader.Feed(p, m.onFrame)
}

// Handle applies one event.
func (m *Manager) Handle(event Event) {
	m.apply(event, Frame{})
}

func (m *Manager) onFrame(frame Frame) {
	if !frame.Heartbeat {
		m.observer.FrameReceived(frame.Size)
	}
	running := m.state == StateRunning
	m.apply(EventFrameReceived, frame)
	if running && !frame.Heartbeat {
		m.deliver(frame)
	}
}

func (m *Manager) apply(event Event, frame Frame) {
	if int(m.state) >= len(transitions) || int(event) >= len(transitions[m.state]) {
		m.logger.Error("invalid manager transition", "state", m.state.String(), "event", event.String())
		return
	}
	act := transitions[m.state][event]
	if act != actionNone && event != EventFrameReceived {
		m.logger.Debug("manager event", "state", m.state.String(), "event", event.String())
	}

	switch act {
	case actionNone:
	case actionConnect:
		m.connect()
	case actionHardClose:
		m.hardClose()
	case actionSoftClose:
		m.softClose()
	case actionAwaitReply:
		m.awaitReply(frame)
	case actionRefresh:
		m.timer = m.now().Add(m.cfg.InactivityTimeout)
	}
}

func (m *Manager) setState(next ConnState) {
	if next == m.state {
		return
	}
	m.logger.Info("feed state changed", "from", m.state.String(), "to", next.String())
	m.observer.StateChanged(m.state, next)
	m.state = next
}

func (m *Manager) connect() {
	if m.shuttingDown {
		m.timer = time.Time{}
		return
	}
	now := m.now()
	if !m.outageStart.IsZero() && !m.alarmSent && now.Sub(m.outageStart) >= m.cfg.OutageAlarmAfter {
		m.alarmSent = true
		m.observer.OutageAlarm(now.Sub(m.outageStart))
	}

	m.connects++
	m.observer.ConnectAttempt()
	m.logger.Info("connecting to feed", "attempt", m.connects, "holdoff", m.holdoff.Count())

	m.transport.Close()
	m.reader.Reset()
	m.transport.Dial()
	m.setState(StateAwaitConnected)
	m.timer = now.Add(m.cfg.InactivityTimeout)
	if err := m.send(ConnectFrame(m.cfg.User, m.cfg.Password, m.clientID(), m.cfg.HeartbeatHeader)); err != nil {
		m.Handle(EventProtocolFailure)
	}
}

func (m *Manager) hardClose() {
	m.openOutage()
	m.transport.Close()
	m.setState(StateHeld)
	if m.shuttingDown {
		m.timer = time.Time{}
		return
	}
	delay := m.holdoff.NextBackOff()
	m.timer = m.now().Add(delay)
	m.logger.Info("feed connection closed", "holdoff", m.holdoff.Count(), "retry_in", delay.String())
}

func (m *Manager) softClose() {
	m.openOutage()
	m.setState(StateDisconnecting)
	if !m.transport.Open() {
		m.timer = m.now()
		return
	}
	m.timer = m.now().Add(m.cfg.InactivityTimeout)
	if err := m.send(DisconnectFrame()); err != nil {
		m.Handle(EventProtocolFailure)
	}
}

func (m *Manager) awaitReply(frame Frame) {
	if frame.Heartbeat {
		return
	}
	if frame.Err != nil || frame.Command != CommandConnected {
		m.logger.Warn("unexpected reply to CONNECT", "command", frame.Command, "error", frame.Err)
		m.setState(StateDisconnecting)
		m.timer = m.now()
		return
	}

	for idx, topic := range m.cfg.Topics {
		destination := topic.Destination
		if destination == "" {
			destination = topic.Name
		}
		if err := m.send(SubscribeFrame("/topic/"+destination, strconv.Itoa(idx), m.durableName(idx))); err != nil {
			m.Handle(EventProtocolFailure)
			return
		}
	}
	m.setState(StateRunning)
	now := m.now()
	m.timer = now.Add(m.cfg.InactivityTimeout)

	var outage time.Duration
	if !m.outageStart.IsZero() {
		outage = now.Sub(m.outageStart)
		m.logger.Info("feed connection restored", "outage", outage.String(), "alarmed", m.alarmSent)
	}
	m.observer.Connected(outage, m.alarmSent)
	m.outageStart = time.Time{}
	m.alarmSent = false
	m.holdoff.Reset()
}

func (m *Manager) deliver(frame Frame) {
	if m.shuttingDown {
		m.logger.Debug("dropping message during shutdown")
		return
	}
	message, err := frame.Message(m.resolve)
	if err != nil {
		m.observer.FrameDiscarded(err)
		m.logger.Warn("discarding frame", "command", frame.Command, "error", err)
		return
	}
	if err := m.sink.Accept(message); err != nil {
		m.logger.Error("message not committed", "topic", m.cfg.Topics[message.Topic].Name, "message_id", message.MessageID, "error", err)
		return
	}
	if err := m.send(AckFrame(message.Subscription, message.MessageID)); err != nil {
		m.Handle(EventProtocolFailure)
	}
}

// resolve maps a subscription header to a topic index: the numeric id first,
// then the topic name.
func (m *Manager) resolve(subscription string) (int, bool) {
	if idx, err := strconv.Atoi(subscription); err == nil {
		if idx >= 0 && idx < len(m.cfg.Topics) {
			return idx, true
		}
		return 0, false
	}
	for idx, topic := range m.cfg.Topics {
		if topic.Name == subscription {
			return idx, true
		}
	}

	return 0, false
}

func (m *Manager) send(frame []byte) error {
	if err := m.transport.Send(frame); err != nil {
		m.logger.Error("queue outbound frame failed", "error", err)
		return fmt.Errorf("send frame: %w", err)
	}
	m.lastSend = m.now()

	return nil
}

func (m *Manager) openOutage() {
	if !m.outageStart.IsZero() {
		return
	}
	m.outageStart = m.now()
	m.observer.ConnectionLost()
}

func (m *Manager) clientID() string {
	return fmt.Sprintf("%s-stompy-%s", m.cfg.User, m.cfg.ClientName)
}

func (m *Manager) durableName(idx int) string {
	return fmt.Sprintf("%s-stompy-%d-%s", m.cfg.User, idx, m.cfg.ClientName)
}
