package relay

import "errors"

var (
	// ErrClientClosed indicates an operation on a closed consumer client.
	ErrClientClosed = errors.New("relay: client closed")
	// ErrAckPending indicates Next was called before the previous message was acknowledged.
	ErrAckPending = errors.New("relay: previous message not acknowledged")
	// ErrNothingToAck indicates Ack was called with no message outstanding.
	ErrNothingToAck = errors.New("relay: no message awaiting acknowledgement")
	// ErrMessageTooLarge indicates a delivery frame whose declared length exceeds the client limit.
	ErrMessageTooLarge = errors.New("relay: message exceeds size limit")
	// ErrMalformedMessage indicates a delivery frame that is empty or not NUL-terminated.
	ErrMalformedMessage = errors.New("relay: malformed message")
	// ErrInvalidTopic indicates a topic index outside the configured range.
	ErrInvalidTopic = errors.New("relay: invalid topic")
)
