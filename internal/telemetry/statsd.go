package telemetry

import (
	"fmt"
	"time"

	"github.com/smira/go-statsd"
)

// StatsdConfig configures the optional StatsD push sink.
type StatsdConfig struct {
	Address     string
	Prefix      string
	FlushPeriod time.Duration
}

// Statsd mirrors relay counters to a StatsD daemon. The client buffers and
// flushes on its own goroutine; calls never block the relay loop.
type Statsd struct {
	client *statsd.Client
}

// NewStatsd creates the sink. An empty address disables it and returns nil.
func NewStatsd(cfg StatsdConfig) *Statsd {
	if cfg.Address == "" {
		return nil
	}
	options := []statsd.Option{
		statsd.MetricPrefix(cfg.Prefix),
		statsd.TagStyle(statsd.TagFormatInfluxDB),
	}
	if cfg.FlushPeriod > 0 {
		options = append(options, statsd.FlushInterval(cfg.FlushPeriod))
	}

	return &Statsd{client: statsd.NewClient(cfg.Address, options...)}
}

// Incr adds n to a counter, optionally per topic.
func (s *Statsd) Incr(stat string, n int64, topic string) {
	if s == nil {
		return
	}
	if topic != "" {
		s.client.Incr(stat, n, statsd.StringTag("topic", topic))
		return
	}
	s.client.Incr(stat, n)
}

// Gauge sets a gauge, optionally per topic.
func (s *Statsd) Gauge(stat string, value int64, topic string) {
	if s == nil {
		return
	}
	if topic != "" {
		s.client.Gauge(stat, value, statsd.StringTag("topic", topic))
		return
	}
	s.client.Gauge(stat, value)
}

// Close flushes and stops the client.
func (s *Statsd) Close() error {
	if s == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close statsd: %w", err)
	}

	return nil
}
