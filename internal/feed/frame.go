// Package feed implements the upstream side of the relay: the STOMP frame
// vocabulary, the incremental frame reader, the outbound byte queue, the socket
// link and the connection manager state machine.
package feed

import (
	"errors"
	"strings"
)

// Frame commands used on the upstream link.
const (
	CommandConnect    = "CONNECT"
	CommandConnected  = "CONNECTED"
	CommandSubscribe  = "SUBSCRIBE"
	CommandMessage    = "MESSAGE"
	CommandAck        = "ACK"
	CommandDisconnect = "DISCONNECT"
	CommandError      = "ERROR"
)

var (
	// ErrHeaderTooLong indicates a header block longer than the reader limit.
	ErrHeaderTooLong = errors.New("feed: header block too long")
	// ErrBodyTooLong indicates a body longer than one message buffer.
	ErrBodyTooLong = errors.New("feed: body too long")
	// ErrMalformedFrame indicates a frame terminated inside its header block.
	ErrMalformedFrame = errors.New("feed: malformed frame")
	// ErrUnexpectedFrame indicates a frame type other than MESSAGE while running.
	ErrUnexpectedFrame = errors.New("feed: unexpected frame type")
	// ErrMissingSubscription indicates a MESSAGE without a subscription header.
	ErrMissingSubscription = errors.New("feed: missing subscription header")
	// ErrUnknownSubscription indicates a MESSAGE for a subscription that was never made.
	ErrUnknownSubscription = errors.New("feed: unknown subscription")
	// ErrMissingMessageID indicates a MESSAGE without a message-id header.
	ErrMissingMessageID = errors.New("feed: missing message-id header")
	// ErrEmptyBody indicates a MESSAGE with no body.
	ErrEmptyBody = errors.New("feed: empty body")
	// ErrTxQueueFull indicates an outbound frame that does not fit the transmit queue.
	ErrTxQueueFull = errors.New("feed: transmit queue full")
)

// Header is one "key:value" line of a frame.
type Header struct {
	Key   string
	Value string
}

// Frame is one inbound frame as produced by Reader.
type Frame struct {
	// Heartbeat marks a bare line terminator between frames.
	Heartbeat bool
	Command   string
	Headers   []Header
	Body      []byte
	// Size is the wire length of the frame including its terminator.
	Size int
	// Err is set when the frame was dropped by the reader.
	Err error
}

// Header returns the first value for key. Repeated headers follow the STOMP
// rule that the first occurrence wins.
func (f Frame) Header(key string) (string, bool) {
	for _, header := range f.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}

	return "", false
}

// Message is a validated MESSAGE frame.
type Message struct {
	Topic        int
	Subscription string
	MessageID    string
	Body         []byte
}

// Message validates f as a data frame. resolve maps the subscription header to
// a topic index.
func (f Frame) Message(resolve func(subscription string) (int, bool)) (Message, error) {
	if f.Err != nil {
		return Message{}, f.Err
	}
	if f.Heartbeat || f.Command != CommandMessage {
		return Message{}, ErrUnexpectedFrame
	}
	subscription, ok := f.Header("subscription")
	if !ok || subscription == "" {
		return Message{}, ErrMissingSubscription
	}
	topic, ok := resolve(subscription)
	if !ok {
		return Message{}, ErrUnknownSubscription
	}
	messageID, ok := f.Header("message-id")
	if !ok || messageID == "" {
		return Message{}, ErrMissingMessageID
	}
	if len(f.Body) == 0 {
		return Message{Topic: topic, Subscription: subscription, MessageID: messageID}, ErrEmptyBody
	}

	return Message{
		Topic:        topic,
		Subscription: subscription,
		MessageID:    messageID,
		Body:         f.Body,
	}, nil
}

// Heartbeat is the outbound heartbeat.
var Heartbeat = []byte{'\n'}

// ConnectFrame builds the CONNECT frame.
func ConnectFrame(login string, passcode string, clientID string, heartBeat string) []byte {
	return encode(CommandConnect,
		Header{Key: "login", Value: login},
		Header{Key: "passcode", Value: passcode},
		Header{Key: "client-id", Value: clientID},
		Header{Key: "heart-beat", Value: heartBeat},
	)
}

// SubscribeFrame builds a client-acknowledged SUBSCRIBE frame.
func SubscribeFrame(destination string, id string, durableName string) []byte {
	headers := []Header{{Key: "destination", Value: destination}}
	if durableName != "" {
		headers = append(headers, Header{Key: "activemq.subscriptionName", Value: durableName})
	}
	headers = append(headers,
		Header{Key: "id", Value: id},
		Header{Key: "ack", Value: "client"},
	)

	return encode(CommandSubscribe, headers...)
}

// AckFrame builds the acknowledgement for one received message.
func AckFrame(subscription string, messageID string) []byte {
	return encode(CommandAck,
		Header{Key: "subscription", Value: subscription},
		Header{Key: "message-id", Value: messageID},
	)
}

// DisconnectFrame builds the DISCONNECT frame.
func DisconnectFrame() []byte {
	return encode(CommandDisconnect)
}

func encode(command string, headers ...Header) []byte {
	var builder strings.Builder
	builder.WriteString(command)
	builder.WriteByte('\n')
	for _, header := range headers {
		builder.WriteString(header.Key)
		builder.WriteByte(':')
		builder.WriteString(header.Value)
		builder.WriteByte('\n')
	}
	builder.WriteByte('\n')
	builder.WriteByte(0)

	return []byte(builder.String())
}
