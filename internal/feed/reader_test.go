package feed

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type capturedFrame struct {
	Heartbeat bool
	Command   string
	Headers   []Header
	Body      string
	Size      int
	Err       error
}

func collect(reader *Reader, chunks ...string) []capturedFrame {
	var frames []capturedFrame
	for _, chunk := range chunks {
		reader.Feed([]byte(chunk), func(frame Frame) {
			frames = append(frames, capturedFrame{
				Heartbeat: frame.Heartbeat,
				Command:   frame.Command,
				Headers:   frame.Headers,
				Body:      string(frame.Body),
				Size:      frame.Size,
				Err:       frame.Err,
			})
		})
	}

	return frames
}

var errorComparer = cmp.Comparer(func(a, b error) bool {
	return errors.Is(a, b) || errors.Is(b, a)
})

// TestReaderSplitsFrames verifies frame assembly across arbitrary chunk boundaries.
func TestReaderSplitsFrames(t *testing.T) {
	t.Parallel()

	message := "MESSAGE\nsubscription:0\nmessage-id:m1\n\nhello\x00"
	want := []capturedFrame{{
		Command: CommandMessage,
		Headers: []Header{
			{Key: "subscription", Value: "0"},
			{Key: "message-id", Value: "m1"},
		},
		Body: "hello",
		Size: len(message),
	}}

	for split := 1; split < len(message); split++ {
		reader := NewReader(1024, 64)
		got := collect(reader, message[:split], message[split:])
		if diff := cmp.Diff(want, got, errorComparer); diff != "" {
			t.Fatalf("split at %d mismatch (-want +got):\n%s", split, diff)
		}
		if reader.State() != ReadIdle {
			t.Fatalf("split at %d: state = %s, want idle", split, reader.State())
		}
	}
}

// TestReaderFrames verifies heartbeats, line endings and rejected frames.
func TestReaderFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		maxHeader int
		maxBody   int
		input     []string
		want      []capturedFrame
	}{
		{
			name:      "heartbeats between frames",
			maxHeader: 64,
			maxBody:   16,
			input:     []string{"\n\r\nCONNECTED\nversion:1.0\n\n\x00\n"},
			want: []capturedFrame{
				{Heartbeat: true},
				{Heartbeat: true},
				{Command: CommandConnected, Headers: []Header{{Key: "version", Value: "1.0"}}, Size: 24},
				{Heartbeat: true},
			},
		},
		{
			name:      "crlf header block",
			maxHeader: 64,
			maxBody:   16,
			input:     []string{"ERROR\r\nmessage:bad\r\n\r\nboom\x00"},
			want: []capturedFrame{
				{Command: CommandError, Headers: []Header{{Key: "message", Value: "bad"}}, Body: "boom", Size: 27},
			},
		},
		{
			name:      "header block too long is discarded",
			maxHeader: 12,
			maxBody:   16,
			input:     []string{"MESSAGE\nsubscription:0\n\nbody\x00", "CONNECTED\n\n\x00"},
			want: []capturedFrame{
				{Err: ErrHeaderTooLong},
				{Command: CommandConnected, Headers: []Header{}, Size: 12},
			},
		},
		{
			name:      "body too long is discarded",
			maxHeader: 64,
			maxBody:   4,
			input:     []string{"MESSAGE\nid:1\n\n12345", "6789\x00", "\n"},
			want: []capturedFrame{
				{Command: CommandMessage, Headers: []Header{{Key: "id", Value: "1"}}, Err: ErrBodyTooLong},
				{Heartbeat: true},
			},
		},
		{
			name:      "terminator inside header",
			maxHeader: 64,
			maxBody:   16,
			input:     []string{"MESSAGE\nid\x00\n"},
			want: []capturedFrame{
				{Err: ErrMalformedFrame},
				{Heartbeat: true},
			},
		},
		{
			name:      "header lines without separator are skipped",
			maxHeader: 64,
			maxBody:   16,
			input:     []string{"MESSAGE\nnoise\nid:7\n\nx\x00"},
			want: []capturedFrame{
				{Command: CommandMessage, Headers: []Header{{Key: "id", Value: "7"}}, Body: "x", Size: 22},
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			reader := NewReader(testCase.maxHeader, testCase.maxBody)
			got := collect(reader, testCase.input...)
			if diff := cmp.Diff(testCase.want, got, errorComparer); diff != "" {
				t.Fatalf("frames mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestReaderResetDropsPartialFrame verifies reconnect cleanup.
func TestReaderResetDropsPartialFrame(t *testing.T) {
	t.Parallel()

	reader := NewReader(64, 16)
	if got := collect(reader, "MESSAGE\nid:1\n\npart"); len(got) != 0 {
		t.Fatalf("frames = %v, want none", got)
	}
	if reader.State() != ReadBody {
		t.Fatalf("state = %s, want body", reader.State())
	}

	reader.Reset()
	got := collect(reader, "CONNECTED\n\n\x00")
	if len(got) != 1 || got[0].Command != CommandConnected {
		t.Fatalf("frames after reset = %+v, want one CONNECTED", got)
	}
}
