// Package kernel runs the relay: one loop goroutine owns the buffer pool, the
// topic queues, the upstream connection manager, the consumer sessions and the
// telemetry counters, and services socket events, operator commands and timers
// in turn.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"golang.org/x/sync/errgroup"

	"stompy/internal/admin"
	"stompy/internal/bufpool"
	"stompy/internal/delivery"
	"stompy/internal/feed"
	"stompy/internal/safe"
	"stompy/internal/spool"
	"stompy/internal/streamq"
	"stompy/internal/telemetry"
)

// TopicConfig describes one relayed topic.
type TopicConfig struct {
	// Name is the topic name used in logs, reports and metrics.
	Name string
	// Destination is the upstream topic name; empty means Name.
	Destination string
	// Command is the lowercase operator letter that holds the topic.
	Command byte
	// AuditLog is an optional file receiving every acknowledged message.
	AuditLog string
	// Monitor includes the topic in silence detection.
	Monitor bool
}

// Config holds everything the kernel needs to build the relay. Topic lists in
// the nested component configs are filled from Topics.
type Config struct {
	Feed            feed.Config
	Link            feed.LinkConfig
	HoldoffUnit     time.Duration
	HoldoffCap      int
	Buffers         int
	FrameSize       int
	SpoolDir        string
	Delivery        delivery.Config
	Telemetry       telemetry.Config
	MetricsAddress  string
	Topics          []TopicConfig
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	Discard         bool
}

// Kernel is the relay runtime.
type Kernel struct {
	cfg    Config
	opts   config
	logger *slog.Logger

	pool      *bufpool.Pool
	spools    []*spool.Spool
	queues    *streamq.Set
	link      *feed.Link
	manager   *feed.Manager
	server    *delivery.Server
	telemetry *telemetry.Telemetry
	audits    []*auditLog
	sig       *shutdown.Signaller
	inspect   chan func()

	draining     bool
	drainStarted time.Time
	nextProgress time.Time

	runMu   sync.Mutex
	running bool
	ran     bool
}

// New builds every relay component. Any error here is a fatal startup error.
func New(cfg Config, options ...Option) (*Kernel, error) {
	opts := defaultConfig()
	for _, option := range options {
		option(&opts)
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("new kernel: no topics")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	k := &Kernel{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.logger.With("component", "kernel"),
		sig:     shutdown.NewSignaller(),
		inspect: make(chan func()),
	}
	if err := k.build(); err != nil {
		return nil, fmt.Errorf("new kernel: %w", err)
	}

	return k, nil
}

// build wires pool, spools, queues, telemetry, delivery and the feed in
// dependency order.
func (k *Kernel) build() error {
	logger := k.opts.logger
	names := make([]string, len(k.cfg.Topics))
	monitored := make([]bool, len(k.cfg.Topics))
	subscriptions := make([]feed.Subscription, len(k.cfg.Topics))
	for idx, topic := range k.cfg.Topics {
		if topic.Name == "" {
			return fmt.Errorf("topic %d: empty name", idx)
		}
		names[idx] = topic.Name
		monitored[idx] = topic.Monitor
		subscriptions[idx] = feed.Subscription{Name: topic.Name, Destination: topic.Destination}
		k.audits = append(k.audits, newAuditLog(topic.AuditLog, topic.Name))
	}

	pool, err := bufpool.New(k.cfg.Buffers, k.cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("buffer pool: %w", err)
	}
	k.pool = pool

	if k.cfg.SpoolDir == "" {
		return fmt.Errorf("empty spool directory")
	}
	topicConfigs := make([]streamq.TopicConfig, len(names))
	for idx, name := range names {
		sp, err := spool.Open(filepath.Join(k.cfg.SpoolDir, strconv.Itoa(idx)), logger.With("topic", name))
		if err != nil {
			return fmt.Errorf("topic %s: %w", name, err)
		}
		k.spools = append(k.spools, sp)
		topicConfigs[idx] = streamq.TopicConfig{Name: name, Spool: sp}
	}

	telemetryCfg := k.cfg.Telemetry
	telemetryCfg.Topics = names
	telemetryCfg.Monitored = monitored
	k.telemetry, err = telemetry.New(telemetryCfg, k.opts.metrics, k.opts.alerter,
		telemetry.WithLogger(logger),
		telemetry.WithNow(k.opts.now),
	)
	if err != nil {
		return err
	}

	k.queues, err = streamq.New(pool, topicConfigs,
		streamq.WithLogger(logger),
		streamq.WithObserver(k.telemetry),
	)
	if err != nil {
		return err
	}

	deliveryCfg := k.cfg.Delivery
	deliveryCfg.Topics = names
	k.server, err = delivery.NewServer(deliveryCfg, k.queues,
		delivery.WithLogger(logger),
		delivery.WithObserver(deliveryObserver{kernel: k}),
		delivery.WithNow(k.opts.now),
	)
	if err != nil {
		return err
	}

	feedCfg := k.cfg.Feed
	feedCfg.Topics = subscriptions
	if feedCfg.MaxBody <= 0 {
		feedCfg.MaxBody = k.cfg.FrameSize
	}
	k.link = feed.NewLink(k.cfg.Link, logger)
	k.manager, err = feed.NewManager(feedCfg, k.link, topicSink{kernel: k},
		feed.NewHoldoff(k.cfg.HoldoffUnit, k.cfg.HoldoffCap),
		feed.WithLogger(logger),
		feed.WithObserver(k.telemetry),
		feed.WithNow(k.opts.now),
	)
	if err != nil {
		return err
	}

	return nil
}

// Run starts the relay loop alongside the operator command source and the
// metrics endpoint, and blocks until the loop finishes. Cancelling ctx starts
// a controlled shutdown rather than an abrupt stop.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAux()
	group, groupCtx := errgroup.WithContext(auxCtx)

	group.Go(func() error {
		defer cancelAux()
		return safe.Run("relay loop", func() error {
			return k.loop(ctx, groupCtx)
		})
	})
	if k.opts.commands != nil {
		group.Go(func() error {
			return safe.Run("admin commands", func() error {
				return k.opts.commands.Run(groupCtx)
			})
		})
	}
	if k.cfg.MetricsAddress != "" {
		group.Go(func() error {
			return safe.Run("metrics endpoint", func() error {
				return k.telemetry.Metrics().Serve(groupCtx, k.cfg.MetricsAddress, k.logger)
			})
		})
	}

	runErr := group.Wait()
	shutdownErr := k.shutdownAll(ctx)
	if runErr != nil && shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil {
		return runErr
	}

	return shutdownErr
}

// Stop requests a controlled shutdown. It is safe to call from any goroutine.
func (k *Kernel) Stop() {
	k.sig.TriggerSoftStop()
}

// Stopped is closed once the relay loop has finished.
func (k *Kernel) Stopped() <-chan struct{} {
	return k.sig.HasStoppedChan()
}

// startRun rejects concurrent and repeated runs.
func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running || k.ran {
		return fmt.Errorf("kernel run: already started")
	}
	k.running = true
	k.ran = true

	return nil
}

// finishRun releases the guard set by startRun.
func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// loop is the single owner of relay state. aux is cancelled when a companion
// goroutine fails, which also starts a controlled shutdown.
func (k *Kernel) loop(ctx context.Context, aux context.Context) error {
	defer k.sig.TriggerHasStopped()

	if !k.cfg.Discard {
		k.server.Start()
	}
	k.manager.Start()
	k.logger.Info("relay started",
		"topics", len(k.cfg.Topics),
		"buffers", k.pool.Size(),
		"discard", k.cfg.Discard,
	)

	var commands <-chan []admin.Command
	if k.opts.commands != nil {
		commands = k.opts.commands.Commands()
	}
	cancelled := ctx.Done()
	auxDone := aux.Done()
	softStop := k.sig.SoftStopChan()
	hardStop := k.sig.HardStopChan()
	var hardStopTimer *time.Timer
	defer func() {
		if hardStopTimer != nil {
			hardStopTimer.Stop()
		}
	}()

	timer := time.NewTimer(k.cfg.PollInterval)
	defer timer.Stop()

	for !k.finished() {
		resetTimer(timer, k.wait())

		select {
		case event := <-k.link.Events():
			k.link.Dispatch(event, k.manager)
		case event := <-k.server.Events():
			k.server.Dispatch(event)
		case batch := <-commands:
			k.command(batch)
		case fn := <-k.inspect:
			fn()
		case <-cancelled:
			cancelled = nil
			k.logger.Info("stop requested")
			k.sig.TriggerSoftStop()
		case <-auxDone:
			auxDone = nil
			k.logger.Warn("companion task stopped, shutting down")
			k.sig.TriggerSoftStop()
		case <-softStop:
			softStop = nil
			k.beginDrain()
			hardStopTimer = time.AfterFunc(k.cfg.ShutdownTimeout, k.sig.TriggerHardStop)
		case <-hardStop:
			k.logger.Warn("controlled shutdown timed out, abandoning drain",
				"timeout", k.cfg.ShutdownTimeout.String(),
				"feed_state", k.manager.State().String(),
				"busy_consumers", k.server.Busy(),
			)
			k.finish()
			return nil
		case <-timer.C:
		}

		k.tick()
	}

	k.finish()

	return nil
}

// tick runs every timer-driven action that is due.
func (k *Kernel) tick() {
	k.manager.Tick()
	if !k.cfg.Discard {
		k.server.Tick()
		k.server.Pump()
	}
	k.telemetry.Tick(k.survey)
	k.telemetry.Sample(k.pool.Free(), k.statuses())
	if k.draining {
		k.progress()
	}
}

// wait returns how long the loop may block before the next timer is due.
func (k *Kernel) wait() time.Duration {
	now := k.opts.now()
	deadline := now.Add(k.cfg.PollInterval)
	for _, candidate := range []time.Time{
		k.manager.Deadline(),
		k.server.Deadline(),
		k.telemetry.Deadline(),
	} {
		if !candidate.IsZero() && candidate.Before(deadline) {
			deadline = candidate
		}
	}
	if k.draining && k.nextProgress.Before(deadline) {
		deadline = k.nextProgress
	}

	return max(0, deadline.Sub(now))
}

// beginDrain starts a controlled shutdown: every topic is held and flushed to
// disk, the upstream session disconnects gracefully and consumers close once
// nothing is outstanding.
func (k *Kernel) beginDrain() {
	if k.draining {
		return
	}
	k.draining = true
	k.drainStarted = k.opts.now()
	k.nextProgress = k.drainStarted.Add(defaultProgressInterval)
	k.logger.Info("controlled shutdown started")

	for idx := range k.cfg.Topics {
		k.queues.Hold(idx)
	}
	flushed := k.queues.FlushAll()
	k.manager.Shutdown()
	k.server.Drain()
	k.logger.Info("queues held for shutdown", "flushed", flushed)
}

// finished reports whether a controlled shutdown has closed every socket.
func (k *Kernel) finished() bool {
	return k.draining && k.manager.Closed() && k.server.Drained()
}

// progress logs a controlled shutdown that has not completed yet.
func (k *Kernel) progress() {
	now := k.opts.now()
	if now.Before(k.nextProgress) {
		return
	}
	k.nextProgress = now.Add(defaultProgressInterval)
	k.logger.Info("waiting for shutdown",
		"elapsed", now.Sub(k.drainStarted).Round(time.Second).String(),
		"feed_state", k.manager.State().String(),
		"feed_closed", k.manager.Closed(),
		"busy_consumers", k.server.Busy(),
		"consumers_drained", k.server.Drained(),
	)
}

// finish closes every socket, parks whatever is still in memory on disk and
// waits for every I/O goroutine.
func (k *Kernel) finish() {
	k.link.Close()
	k.link.Wait()
	k.server.Close()
	flushed := k.queues.FlushAll()
	k.logger.Info("relay stopped",
		"flushed", flushed,
		"pool_free", k.pool.Free(),
		"pool_size", k.pool.Size(),
	)
}

// shutdownAll flushes telemetry sinks and the notifier queue after the loop
// has stopped.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := k.telemetry.Close(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("close telemetry: %w", err))
	}
	if err := safe.Run("alerter Close", func() error {
		return k.opts.alerter.Close(shutdownCtx)
	}); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

func resetTimer(timer *time.Timer, wait time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(wait)
}
