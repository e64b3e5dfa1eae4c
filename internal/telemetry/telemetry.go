// Package telemetry observes the relay: day and grand-total statistics, the
// per-minute rates log with silence detection, scheduled statistics and alarm
// reports, Prometheus collectors and an optional StatsD mirror. It never
// mutates relay state.
package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"stompy/internal/feed"
	"stompy/internal/streamq"
)

// Notification titles.
const (
	TitleAlarm        = "STOMP Alarm"
	TitleAlarmCleared = "STOMP Alarm Cleared"
	TitleStatistics   = "Statistics Report"
	TitleAlarmStatus  = "Alarm Status Report"
)

// Alerter delivers one operator notification. It must not block.
type Alerter interface {
	Alert(title string, body string)
}

// Config holds telemetry settings.
type Config struct {
	Topics          []string
	Monitored       []bool
	RatesFile       string
	RatesWindow     int
	SilenceWindows  int
	StatsSchedule   string
	AlarmSchedule   string
	BacklogAlarmAge time.Duration
	Statsd          StatsdConfig
}

// Option configures Telemetry.
type Option func(*Telemetry)

// WithLogger sets the telemetry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Telemetry) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(t *Telemetry) {
		if now != nil {
			t.now = now
		}
	}
}

// Telemetry is owned by the relay loop and is not safe for concurrent use.
// Only its Metrics may be read from other goroutines.
type Telemetry struct {
	cfg       Config
	stats     *Stats
	rates     *Rates
	ratesFile *RatesFile
	metrics   *Metrics
	statsd    *Statsd
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	statsDue  *Schedule
	alarmsDue *Schedule
	ratesDue  time.Time
	longest   int

	ratesBroken bool
}

// New creates the telemetry hub.
func New(cfg Config, metrics *Metrics, alerter Alerter, options ...Option) (*Telemetry, error) {
	if alerter == nil {
		return nil, fmt.Errorf("new telemetry: nil alerter")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	statsDue, err := ParseSchedule(cfg.StatsSchedule)
	if err != nil {
		return nil, fmt.Errorf("new telemetry: stats: %w", err)
	}
	alarmsDue, err := ParseSchedule(cfg.AlarmSchedule)
	if err != nil {
		return nil, fmt.Errorf("new telemetry: alarms: %w", err)
	}

	t := &Telemetry{
		cfg:       cfg,
		ratesFile: NewRatesFile(cfg.RatesFile),
		metrics:   metrics,
		statsd:    NewStatsd(cfg.Statsd),
		alerter:   alerter,
		logger:    slog.Default(),
		now:       time.Now,
		statsDue:  statsDue,
		alarmsDue: alarmsDue,
	}
	for _, option := range options {
		option(t)
	}
	t.logger = t.logger.With("component", "telemetry")

	now := t.now()
	t.stats = NewStats(cfg.Topics, now)
	t.rates = NewRates(cfg.Topics, cfg.Monitored, cfg.RatesWindow, cfg.SilenceWindows)
	t.ratesDue = nextMinute(now)
	t.statsDue.Next(now)
	t.alarmsDue.Next(now)

	return t, nil
}

// Stats returns the statistics counters.
func (t *Telemetry) Stats() *Stats {
	return t.stats
}

// Metrics returns the Prometheus collectors.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Deadline returns the next scheduled telemetry action.
func (t *Telemetry) Deadline() time.Time {
	now := t.now()
	deadline := t.ratesDue
	for _, next := range []time.Time{t.statsDue.Next(now), t.alarmsDue.Next(now)} {
		if next.Before(deadline) {
			deadline = next
		}
	}

	return deadline
}

// Tick writes the rates line and sends the statistics and alarm reports when
// due. survey is consulted only when the alarm report is due.
func (t *Telemetry) Tick(survey func() Survey) {
	now := t.now()
	if !now.Before(t.ratesDue) {
		t.minute(now)
	}
	if t.statsDue.Due(now) {
		t.ReportStats()
	}
	if t.alarmsDue.Due(now) {
		t.ReportAlarms(survey())
	}
}

// ReportStats sends the statistics report and starts a new day.
func (t *Telemetry) ReportStats() {
	report := t.stats.Report(t.now())
	t.logger.Info("statistics report", "report", report)
	t.alerter.Alert(TitleStatistics, report)
}

// ReportAlarms sends the alarm report when any alarm is active.
func (t *Telemetry) ReportAlarms(survey Survey) {
	report, active := AlarmReport(t.now(), survey, t.cfg.BacklogAlarmAge)
	if !active {
		t.logger.Debug("alarm survey clear")
		return
	}
	t.logger.Warn("alarm report", "report", report)
	t.alerter.Alert(TitleAlarmStatus, report)
}

// Sample refreshes the gauges from a queue snapshot.
func (t *Telemetry) Sample(poolFree int, topics []streamq.TopicStatus) {
	t.metrics.poolFree.Set(float64(poolFree))
	t.statsd.Gauge("pool.free", int64(poolFree), "")
	for _, status := range topics {
		name := t.topicName(status.Index)
		t.metrics.spoolDepth.WithLabelValues(name).Set(float64(status.SpoolCount))
		t.metrics.topicState.WithLabelValues(name).Set(float64(status.State))
		t.statsd.Gauge("spool.depth", int64(status.SpoolCount), name)
	}
}

// MessageAccepted records one MESSAGE committed to topic.
func (t *Telemetry) MessageAccepted(topic int, body []byte) {
	name := t.topicName(topic)
	t.stats.Add(CounterMessages, 1)
	t.rates.Count(topic, CountMessages(body))
	t.metrics.messages.WithLabelValues(name).Inc()
	t.statsd.Incr("feed.messages", 1, name)
}

// StateChanged records a connection manager transition.
func (t *Telemetry) StateChanged(_ feed.ConnState, to feed.ConnState) {
	t.metrics.feedState.Set(float64(to))
	t.statsd.Gauge("feed.state", int64(to), "")
}

// ConnectAttempt records one upstream connection attempt.
func (t *Telemetry) ConnectAttempt() {
	t.stats.Add(CounterConnectAttempts, 1)
	t.metrics.connectAttempts.Inc()
	t.statsd.Incr("feed.connect_attempts", 1, "")
	t.note("Connecting to STOMP server.")
}

// Connected records a CONNECTED reply, clearing an alarmed outage.
func (t *Telemetry) Connected(outage time.Duration, alarmed bool) {
	t.note("Connected to STOMP server.")
	if !alarmed {
		return
	}
	report := fmt.Sprintf("STOMP connection restored.  Outage duration was %d seconds.", int64(outage/time.Second))
	t.logger.Warn(report)
	t.alerter.Alert(TitleAlarmCleared, report)
	t.note(report)
}

// ConnectionLost records the start of an outage.
func (t *Telemetry) ConnectionLost() {
	t.note("STOMP connection failed.")
}

// OutageAlarm raises the outage alarm.
func (t *Telemetry) OutageAlarm(outage time.Duration) {
	t.logger.Warn("feed outage alarm", "outage", outage.String())
	t.alerter.Alert(TitleAlarm, "STOMP connection failed.")
}

// BytesReceived records raw feed bytes.
func (t *Telemetry) BytesReceived(n int) {
	t.stats.Add(CounterFeedBytes, uint64(n))
	t.metrics.feedBytes.Add(float64(n))
	t.statsd.Incr("feed.bytes", int64(n), "")
}

// FrameReceived records the size of one inbound frame.
func (t *Telemetry) FrameReceived(size int) {
	t.stats.Frame(size)
	if size > t.longest {
		t.longest = size
		t.metrics.longestFrame.Set(float64(size))
	}
}

// FrameDiscarded records an inbound frame dropped by validation.
func (t *Telemetry) FrameDiscarded(err error) {
	t.stats.Add(CounterDiscarded, 1)
	t.metrics.framesDiscarded.WithLabelValues(discardReason(err)).Inc()
	t.statsd.Incr("feed.discarded", 1, "")
}

// SpoolWritten records one message written to topic's spool.
func (t *Telemetry) SpoolWritten(topic int) {
	t.stats.Add(CounterSpoolWrites, 1)
	t.metrics.spoolWrites.WithLabelValues(t.topicName(topic)).Inc()
	t.statsd.Incr("spool.writes", 1, t.topicName(topic))
}

// SpoolRead records one message loaded from topic's spool.
func (t *Telemetry) SpoolRead(topic int) {
	t.stats.Add(CounterSpoolReads, 1)
	t.metrics.spoolReads.WithLabelValues(t.topicName(topic)).Inc()
	t.statsd.Incr("spool.reads", 1, t.topicName(topic))
}

// MessageLost records a message that could not be kept.
func (t *Telemetry) MessageLost(topic int) {
	t.metrics.messagesLost.WithLabelValues(t.topicName(topic)).Inc()
	t.statsd.Incr("spool.lost", 1, t.topicName(topic))
}

// ConsumerConnected records a consumer attaching to topic.
func (t *Telemetry) ConsumerConnected(topic int) {
	t.metrics.consumerConnected.WithLabelValues(t.topicName(topic)).Set(1)
}

// ConsumerLost records a consumer leaving topic.
func (t *Telemetry) ConsumerLost(topic int, _ error) {
	t.metrics.consumerConnected.WithLabelValues(t.topicName(topic)).Set(0)
}

// Delivered records one message acknowledged by topic's consumer.
func (t *Telemetry) Delivered(topic int, _ []byte, _ int64) {
	t.stats.Sent(topic)
	t.metrics.framesSent.WithLabelValues(t.topicName(topic)).Inc()
	t.statsd.Incr("topic.delivered", 1, t.topicName(topic))
}

// Close flushes the StatsD sink.
func (t *Telemetry) Close() error {
	return t.statsd.Close()
}

func (t *Telemetry) minute(now time.Time) {
	t.ratesDue = nextMinute(now)

	var line bytes.Buffer
	change, _ := t.rates.Minute(now, &line)
	err := t.ratesFile.Append(func(w io.Writer) error {
		_, err := line.WriteTo(w)
		return err
	})
	switch {
	case err != nil && !t.ratesBroken:
		t.ratesBroken = true
		t.logger.Warn("rates log unavailable", "error", err)
	case err == nil && t.ratesBroken:
		t.ratesBroken = false
		t.logger.Info("rates log writable again")
	}

	switch change {
	case FlowSilent:
		text := SilenceText(t.rates.Threshold())
		t.logger.Warn(text)
		t.alerter.Alert(TitleAlarm, text)
	case FlowResumed:
		t.logger.Warn(ResumedText)
		t.alerter.Alert(TitleAlarmCleared, ResumedText)
	}
}

func (t *Telemetry) note(text string) {
	now := t.now()
	err := t.ratesFile.Append(func(w io.Writer) error {
		return t.rates.Note(now, w, text)
	})
	if err != nil {
		t.logger.Debug("rates note not written", "error", err)
	}
}

func (t *Telemetry) topicName(topic int) string {
	if topic >= 0 && topic < len(t.cfg.Topics) {
		return t.cfg.Topics[topic]
	}

	return fmt.Sprintf("topic-%d", topic)
}

func nextMinute(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, feed.ErrHeaderTooLong):
		return "header_too_long"
	case errors.Is(err, feed.ErrBodyTooLong):
		return "body_too_long"
	case errors.Is(err, feed.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, feed.ErrUnexpectedFrame):
		return "unexpected_frame"
	case errors.Is(err, feed.ErrMissingSubscription):
		return "missing_subscription"
	case errors.Is(err, feed.ErrUnknownSubscription):
		return "unknown_subscription"
	case errors.Is(err, feed.ErrMissingMessageID):
		return "missing_message_id"
	case errors.Is(err, feed.ErrEmptyBody):
		return "empty_body"
	default:
		return "other"
	}
}
