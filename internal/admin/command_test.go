package admin

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestParserParse verifies letter mapping, case handling and skipped bytes.
func TestParserParse(t *testing.T) {
	t.Parallel()

	parser, err := NewParser([]byte("vtd"))
	if err != nil {
		t.Fatalf("new parser failed: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  []Command
	}{
		{
			name:  "hold and release",
			input: "vT",
			want: []Command{
				{Kind: KindHold, Topic: 0, Letter: 'v'},
				{Kind: KindRelease, Topic: 1, Letter: 'T'},
			},
		},
		{
			name:  "shutdown and status",
			input: "q\nsQ",
			want: []Command{
				{Kind: KindStatus, Letter: 'q'},
				{Kind: KindShutdown, Letter: 's'},
				{Kind: KindStatus, Letter: 'Q'},
			},
		},
		{
			name:  "unknown bytes skipped",
			input: "x D S\n",
			want:  []Command{{Kind: KindRelease, Topic: 2, Letter: 'D'}},
		},
		{
			name:  "empty",
			input: "",
			want:  []Command{},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(testCase.want, parser.Parse([]byte(testCase.input))); diff != "" {
				t.Fatalf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestNewParserRejectsBadLetters verifies letter validation.
func TestNewParserRejectsBadLetters(t *testing.T) {
	t.Parallel()

	for _, letters := range []string{"vV", "vs", "qa", "aa", "a1"} {
		if _, err := NewParser([]byte(letters)); err == nil {
			t.Fatalf("NewParser(%q) succeeded, want error", letters)
		}
	}
}
