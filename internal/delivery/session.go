package delivery

import (
	"fmt"
	"net"
	"time"

	"stompy/internal/bufpool"
)

// SessionState is the position of one consumer connection in the send/ack cycle.
type SessionState uint8

const (
	// SessionIdle has nothing outstanding.
	SessionIdle SessionState = iota
	// SessionSending has a message partly written to the socket.
	SessionSending
	// SessionAwaitingAck has written a message and waits for one ack byte.
	SessionAwaitingAck
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionSending:
		return "sending"
	case SessionAwaitingAck:
		return "awaiting_ack"
	default:
		return fmt.Sprintf("session_state(%d)", uint8(s))
	}
}

// session is the consumer side of one topic. gen identifies the attached
// connection so events from a replaced connection are ignored.
type session struct {
	topic      int
	name       string
	state      SessionState
	conn       net.Conn
	gen        uint64
	cancel     func()
	writes     chan []byte
	handle     bufpool.Handle
	pendingAck bool
	closeAfter bool

	listener  net.Listener
	listenGen uint64
	retryAt   time.Time
}

func (s *session) attached() bool {
	return s.conn != nil
}

// busy reports whether a message is outstanding on the connection.
func (s *session) busy() bool {
	return s.state != SessionIdle
}
