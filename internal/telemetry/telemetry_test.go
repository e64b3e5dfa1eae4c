package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"stompy/internal/feed"
)

type alert struct {
	title string
	body  string
}

type recordingAlerter struct {
	alerts []alert
}

func (r *recordingAlerter) Alert(title string, body string) {
	r.alerts = append(r.alerts, alert{title: title, body: body})
}

type telemetryHarness struct {
	telemetry *Telemetry
	alerter   *recordingAlerter
	now       time.Time
	ratesPath string
}

func newTelemetryHarness(t *testing.T) *telemetryHarness {
	t.Helper()

	return newTelemetryHarnessAt(t, filepath.Join(t.TempDir(), "stompy.rates"))
}

func newTelemetryHarnessAt(t *testing.T, ratesPath string) *telemetryHarness {
	t.Helper()

	h := &telemetryHarness{
		alerter:   &recordingAlerter{},
		now:       time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC),
		ratesPath: ratesPath,
	}
	telemetry, err := New(Config{
		Topics:          []string{"MVT", "TD"},
		Monitored:       []bool{true, false},
		RatesFile:       h.ratesPath,
		RatesWindow:     5,
		SilenceWindows:  2,
		StatsSchedule:   "0 4 * * *",
		AlarmSchedule:   "@hourly",
		BacklogAlarmAge: time.Hour,
	}, nil, h.alerter,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return h.now }),
	)
	if err != nil {
		t.Fatalf("new telemetry failed: %v", err)
	}
	h.telemetry = telemetry

	return h
}

func (h *telemetryHarness) ratesLog(t *testing.T) string {
	t.Helper()

	content, err := os.ReadFile(h.ratesPath)
	if err != nil {
		t.Fatalf("read rates log failed: %v", err)
	}

	return string(content)
}

func noSurvey() Survey {
	return Survey{FeedUp: true}
}

// TestTelemetryOutageClearedAlert verifies the cleared notification after an alarmed outage.
func TestTelemetryOutageClearedAlert(t *testing.T) {
	t.Parallel()

	h := newTelemetryHarness(t)
	h.telemetry.ConnectionLost()
	h.telemetry.OutageAlarm(10 * time.Minute)
	h.telemetry.ConnectAttempt()
	h.telemetry.Connected(125*time.Second, true)
	h.telemetry.Connected(time.Second, false)

	want := []alert{
		{title: TitleAlarm, body: "STOMP connection failed."},
		{title: TitleAlarmCleared, body: "STOMP connection restored.  Outage duration was 125 seconds."},
	}
	if diff := cmp.Diff(want, h.alerter.alerts, cmp.AllowUnexported(alert{})); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}

	log := h.ratesLog(t)
	for _, note := range []string{
		"01/03/24 12:00:30Z STOMP connection failed.\n",
		"01/03/24 12:00:30Z Connecting to STOMP server.\n",
		"01/03/24 12:00:30Z STOMP connection restored.  Outage duration was 125 seconds.\n",
	} {
		if !strings.Contains(log, note) {
			t.Fatalf("rates log missing %q:\n%s", note, log)
		}
	}
	if got := h.telemetry.Stats().Day(CounterConnectAttempts); got != 1 {
		t.Fatalf("connect attempts = %d, want 1", got)
	}
}

// TestTelemetrySilenceAlarmThroughTick verifies silence and resume alerts from the minute tick.
func TestTelemetrySilenceAlarmThroughTick(t *testing.T) {
	t.Parallel()

	h := newTelemetryHarness(t)
	if want := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC); !h.telemetry.Deadline().Equal(want) {
		t.Fatalf("deadline = %v, want %v", h.telemetry.Deadline(), want)
	}

	tick := func() {
		h.now = h.telemetry.Deadline()
		h.telemetry.Tick(noSurvey)
	}
	h.telemetry.MessageAccepted(1, []byte(`[{"a":1}]`))
	tick()
	tick()
	tick()
	h.telemetry.MessageAccepted(0, []byte(`[{"a":1},{"b":2}]`))
	tick()

	want := []alert{
		{title: TitleAlarm, body: SilenceText(2)},
		{title: TitleAlarmCleared, body: ResumedText},
	}
	if diff := cmp.Diff(want, h.alerter.alerts, cmp.AllowUnexported(alert{})); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(h.ratesLog(t), "01/03/24 12:04:00Z |      2     -  |      0     -    "+ResumedText+"\n") {
		t.Fatalf("rates log missing resume line:\n%s", h.ratesLog(t))
	}
}

// TestTelemetrySilenceAlarmWithoutRatesLog verifies silence alerts and the
// minute cadence do not depend on the rates log being writable.
func TestTelemetrySilenceAlarmWithoutRatesLog(t *testing.T) {
	t.Parallel()

	h := newTelemetryHarnessAt(t, filepath.Join(t.TempDir(), "missing", "stompy.rates"))
	tick := func() {
		h.now = h.telemetry.Deadline()
		h.telemetry.Tick(noSurvey)
	}
	tick()
	if want := time.Date(2024, 3, 1, 12, 2, 0, 0, time.UTC); !h.telemetry.Deadline().Equal(want) {
		t.Fatalf("deadline = %v, want %v", h.telemetry.Deadline(), want)
	}
	tick()
	h.telemetry.MessageAccepted(0, []byte(`{"a":1}`))
	tick()

	want := []alert{
		{title: TitleAlarm, body: SilenceText(2)},
		{title: TitleAlarmCleared, body: ResumedText},
	}
	if diff := cmp.Diff(want, h.alerter.alerts, cmp.AllowUnexported(alert{})); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(h.ratesPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat rates log error = %v, want not exist", err)
	}
}

// TestTelemetryScheduledReports verifies the statistics and alarm reports fire on their schedules.
func TestTelemetryScheduledReports(t *testing.T) {
	t.Parallel()

	h := newTelemetryHarness(t)
	surveyed := 0
	h.now = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	h.telemetry.Tick(func() Survey {
		surveyed++
		return Survey{FeedUp: false}
	})
	if surveyed != 1 {
		t.Fatalf("surveyed = %d, want 1", surveyed)
	}
	if len(h.alerter.alerts) != 1 || h.alerter.alerts[0].title != TitleAlarmStatus {
		t.Fatalf("alerts = %+v, want one alarm status report", h.alerter.alerts)
	}

	h.now = time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC)
	h.telemetry.Tick(noSurvey)
	last := h.alerter.alerts[len(h.alerter.alerts)-1]
	if last.title != TitleStatistics || !strings.Contains(last.body, "Longest STOMP frame") {
		t.Fatalf("last alert = %+v, want statistics report", last)
	}
}

// TestTelemetryMetrics verifies the Prometheus collectors and the scrape handler.
func TestTelemetryMetrics(t *testing.T) {
	t.Parallel()

	h := newTelemetryHarness(t)
	h.telemetry.BytesReceived(10)
	h.telemetry.FrameReceived(40)
	h.telemetry.FrameReceived(20)
	h.telemetry.FrameDiscarded(feed.ErrEmptyBody)
	h.telemetry.StateChanged(feed.StateAwaitConnected, feed.StateRunning)
	h.telemetry.ConsumerConnected(1)
	h.telemetry.Delivered(1, []byte("x"), 0)

	metrics := h.telemetry.Metrics()
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "feed bytes", got: testutil.ToFloat64(metrics.feedBytes), want: 10},
		{name: "longest frame", got: testutil.ToFloat64(metrics.longestFrame), want: 40},
		{name: "discarded", got: testutil.ToFloat64(metrics.framesDiscarded.WithLabelValues("empty_body")), want: 1},
		{name: "feed state", got: testutil.ToFloat64(metrics.feedState), want: float64(feed.StateRunning)},
		{name: "consumer", got: testutil.ToFloat64(metrics.consumerConnected.WithLabelValues("TD")), want: 1},
		{name: "delivered", got: testutil.ToFloat64(metrics.framesSent.WithLabelValues("TD")), want: 1},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Fatalf("%s = %v, want %v", check.name, check.got, check.want)
		}
	}

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), "stompy_feed_bytes_total 10") {
		t.Fatalf("scrape missing feed bytes:\n%s", recorder.Body.String())
	}
}
