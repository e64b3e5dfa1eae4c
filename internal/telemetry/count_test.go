package telemetry

import "testing"

// TestCountMessages verifies top-level object counting.
func TestCountMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "plain object", body: `{"a":1}`, want: 1},
		{name: "non json", body: "hello", want: 1},
		{name: "array of objects", body: `[{"a":{"b":1}},{"c":2},{"d":[{"e":3}]}]`, want: 3},
		{name: "empty array", body: `[]`, want: 0},
		{name: "braces inside strings", body: `[{"text":"}{"},{"q":"\"}"}]`, want: 2},
		{name: "unbalanced close", body: `[}{"a":1}]`, want: 1},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := CountMessages([]byte(testCase.body)); got != testCase.want {
				t.Fatalf("CountMessages(%s) = %d, want %d", testCase.body, got, testCase.want)
			}
		})
	}
}
