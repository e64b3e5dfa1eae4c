package feed

import (
	"bytes"
	"fmt"
	"strings"
)

// ReadState is the position of Reader within the inbound byte stream.
type ReadState uint8

const (
	// ReadIdle is between frames; a bare line terminator here is a heartbeat.
	ReadIdle ReadState = iota
	// ReadHeader accumulates the command line and headers up to a blank line.
	ReadHeader
	// ReadBody accumulates body bytes up to the NUL terminator.
	ReadBody
	// ReadDiscarding skips the rest of a rejected frame up to its NUL terminator.
	ReadDiscarding
)

// String returns the state name.
func (s ReadState) String() string {
	switch s {
	case ReadIdle:
		return "idle"
	case ReadHeader:
		return "header"
	case ReadBody:
		return "body"
	case ReadDiscarding:
		return "discarding"
	default:
		return fmt.Sprintf("read_state(%d)", uint8(s))
	}
}

// Reader splits the inbound byte stream into frames. It holds at most one
// partial frame and never allocates past its header and body limits.
type Reader struct {
	state     ReadState
	maxHeader int
	maxBody   int
	header    []byte
	body      []byte
	command   string
	headers   []Header
}

// NewReader creates a Reader with the given header block and body limits.
func NewReader(maxHeader int, maxBody int) *Reader {
	return &Reader{
		maxHeader: maxHeader,
		maxBody:   maxBody,
		header:    make([]byte, 0, maxHeader),
		body:      make([]byte, 0, maxBody),
	}
}

// State returns the current reader state.
func (r *Reader) State() ReadState {
	return r.state
}

// Reset drops any partial frame, as after a reconnect.
func (r *Reader) Reset() {
	r.state = ReadIdle
	r.header = r.header[:0]
	r.body = r.body[:0]
	r.command = ""
	r.headers = nil
}

// Feed consumes p and calls emit for each completed or rejected frame.
// Frame.Body aliases reader memory and is only valid during the call to emit.
func (r *Reader) Feed(p []byte, emit func(Frame)) {
	for i := 0; i < len(p); {
		switch r.state {
		case ReadIdle:
			b := p[i]
			i++
			switch b {
			case '\n':
				emit(Frame{Heartbeat: true})
			case '\r', 0:
			default:
				r.state = ReadHeader
				r.header = append(r.header[:0], b)
			}

		case ReadHeader:
			b := p[i]
			i++
			if b == 0 {
				r.Reset()
				emit(Frame{Err: ErrMalformedFrame})
				continue
			}
			if len(r.header) >= r.maxHeader {
				r.state = ReadDiscarding
				emit(Frame{Err: ErrHeaderTooLong})
				continue
			}
			r.header = append(r.header, b)
			if b == '\n' && headerComplete(r.header) {
				r.command, r.headers = parseHeader(r.header)
				r.body = r.body[:0]
				r.state = ReadBody
			}

		case ReadBody:
			end := bytes.IndexByte(p[i:], 0)
			chunk := p[i:]
			if end >= 0 {
				chunk = p[i : i+end]
			}
			if len(r.body)+len(chunk) > r.maxBody {
				r.state = ReadDiscarding
				emit(Frame{Command: r.command, Headers: r.headers, Err: ErrBodyTooLong})
				continue
			}
			r.body = append(r.body, chunk...)
			if end < 0 {
				i = len(p)
				continue
			}
			i += end + 1
			frame := Frame{
				Command: r.command,
				Headers: r.headers,
				Body:    r.body,
				Size:    len(r.header) + len(r.body) + 1,
			}
			r.state = ReadIdle
			emit(frame)

		case ReadDiscarding:
			end := bytes.IndexByte(p[i:], 0)
			if end < 0 {
				i = len(p)
				continue
			}
			i += end + 1
			r.Reset()
		}
	}
}

func headerComplete(header []byte) bool {
	return bytes.HasSuffix(header, []byte("\n\n")) || bytes.HasSuffix(header, []byte("\n\r\n"))
}

func parseHeader(raw []byte) (string, []Header) {
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\n")
	command := strings.TrimRight(lines[0], "\r")
	headers := make([]Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, ":")
		if !found || key == "" {
			continue
		}
		headers = append(headers, Header{Key: key, Value: value})
	}

	return command, headers
}
