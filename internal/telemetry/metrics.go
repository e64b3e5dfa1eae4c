package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "stompy"

// Metrics is the Prometheus view of the relay. All collectors are safe for
// concurrent use, so the HTTP handler may scrape while the loop updates.
type Metrics struct {
	registry *prometheus.Registry

	feedBytes       prometheus.Counter
	connectAttempts prometheus.Counter
	framesDiscarded *prometheus.CounterVec
	feedState       prometheus.Gauge
	longestFrame    prometheus.Gauge
	poolFree        prometheus.Gauge

	messages          *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	spoolWrites       *prometheus.CounterVec
	spoolReads        *prometheus.CounterVec
	messagesLost      *prometheus.CounterVec
	spoolDepth        *prometheus.GaugeVec
	consumerConnected *prometheus.GaugeVec
	topicState        *prometheus.GaugeVec
}

// NewMetrics registers every relay collector on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	factory := promauto.With(registry)
	topic := []string{"topic"}

	return &Metrics{
		registry: registry,
		feedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "bytes_total",
			Help: "Bytes read from the upstream feed socket.",
		}),
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "connect_attempts_total",
			Help: "Upstream connection attempts.",
		}),
		framesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "frames_discarded_total",
			Help: "Inbound frames dropped as malformed or unexpected.",
		}, []string{"reason"}),
		feedState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "state",
			Help: "Connection manager state: 0 awaiting connect, 1 await connected, 2 running, 3 disconnecting, 4 held.",
		}),
		longestFrame: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "longest_frame_bytes",
			Help: "Longest inbound frame since start.",
		}),
		poolFree: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "pool", Name: "free_buffers",
			Help: "Message buffers on the free list.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "topic", Name: "messages_total",
			Help: "MESSAGE frames accepted per topic.",
		}, topic),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "topic", Name: "delivered_total",
			Help: "Messages acknowledged by the topic consumer.",
		}, topic),
		spoolWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "spool", Name: "writes_total",
			Help: "Messages written to the disk spool.",
		}, topic),
		spoolReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "spool", Name: "reads_total",
			Help: "Messages loaded back from the disk spool.",
		}, topic),
		messagesLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "spool", Name: "lost_total",
			Help: "Messages dropped because they could not be kept.",
		}, topic),
		spoolDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "spool", Name: "depth",
			Help: "Messages waiting on disk per topic.",
		}, topic),
		consumerConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "topic", Name: "consumer_connected",
			Help: "1 when a consumer is attached to the topic.",
		}, topic),
		topicState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "topic", Name: "state",
			Help: "Routing state: 0 live, 1 spilling, 2 held.",
		}, topic),
	}
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on address until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", address, err)
	}
	logger.Info("metrics endpoint listening", "address", listener.Addr().String())

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics: %w", err)
		}
		<-served
		return nil
	}
}
