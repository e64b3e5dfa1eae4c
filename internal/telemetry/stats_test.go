package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestStatsReportRollsDayIntoTotal verifies report layout and the day reset.
func TestStatsReportRollsDayIntoTotal(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	stats := NewStats([]string{"MVT", "TD"}, started)
	stats.Add(CounterFeedBytes, 1234567)
	stats.Add(CounterConnectAttempts, 2)
	stats.Add(CounterMessages, 3)
	stats.Sent(1)
	stats.Add(CounterSpoolWrites, 4)
	stats.Frame(900)
	stats.Frame(300)

	first := stats.Report(started.Add(49 * time.Hour))
	want := strings.Join([]string{
		"                           : Day            Total",
		"                   Run time:                2 days",
		"                STOMP Bytes: 1,234,567      1,234,567",
		"      STOMP Connect Attempt: 2              2",
		"              STOMP Message: 3              3",
		"             MVT Frame Sent: 0              0",
		"              TD Frame Sent: 1              1",
		"           Frame Disc Write: 4              4",
		"            Frame Disc Read: 0              0",
		"      STOMP Frame Discarded: 0              0",
		"        Longest STOMP frame: 900            900",
		"",
	}, "\n")
	if diff := cmp.Diff(want, first); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	stats.Add(CounterMessages, 1)
	stats.Frame(100)
	second := stats.Report(started.Add(73 * time.Hour))
	if !strings.Contains(second, "              STOMP Message: 1              4\n") {
		t.Fatalf("second report missing rolled message total:\n%s", second)
	}
	if !strings.Contains(second, "        Longest STOMP frame: 100            900\n") {
		t.Fatalf("second report missing longest frame:\n%s", second)
	}
	if stats.Day(CounterMessages) != 0 || stats.Total(CounterMessages) != 4 {
		t.Fatalf("day/total = %d/%d, want 0/4", stats.Day(CounterMessages), stats.Total(CounterMessages))
	}
}
