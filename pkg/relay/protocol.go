package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// LengthPrefixSize is the width of the native-endian length field preceding every message.
	LengthPrefixSize = 8
	// DefaultBasePort is the delivery port of topic zero.
	DefaultBasePort = 55840
	// DefaultMaxMessageSize bounds message bodies accepted by Client.
	DefaultMaxMessageSize = 64000
	// AckByte is the acknowledgement the reference client sends. Any single byte is accepted.
	AckByte byte = 'A'
)

// PortForTopic returns the delivery port serving topic index.
func PortForTopic(basePort int, index int) int {
	return basePort + index
}

// AppendFrame appends the delivery encoding of body to dst: length prefix, body, NUL.
func AppendFrame(dst []byte, body []byte) []byte {
	var prefix [LengthPrefixSize]byte
	binary.NativeEndian.PutUint64(prefix[:], uint64(len(body)+1))

	dst = append(dst, prefix[:]...)
	dst = append(dst, body...)

	return append(dst, 0)
}

// ReadFrame reads one delivery frame and returns its body without the NUL terminator.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.NativeEndian.Uint64(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("read frame: %w: zero length", ErrMalformedMessage)
	}
	if maxSize > 0 && length > uint64(maxSize)+1 {
		return nil, fmt.Errorf("read frame of %d bytes: %w", length, ErrMessageTooLarge)
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	if content[length-1] != 0 {
		return nil, fmt.Errorf("read frame: %w: missing terminator", ErrMalformedMessage)
	}

	return content[:length-1], nil
}
