package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"stompy/internal/admin"
	"stompy/internal/daemon"
	"stompy/internal/delivery"
	"stompy/internal/feed"
	"stompy/internal/kernel"
	"stompy/internal/notify"
	"stompy/internal/telemetry"
)

const (
	appName                 = "stompy"
	envConfigFile           = "STOMPY_CONFIG_FILE"
	defaultConfigFilePath   = "config/stompy.json"
	systemConfigFilePath    = "/etc/stompy/stompy.json"
	defaultFeedHost         = "datafeeds.networkrail.co.uk"
	defaultFeedPort         = 61618
	defaultDialTimeout      = 10 * time.Second
	defaultInactivity       = 64 * time.Second
	defaultHeartbeat        = 16 * time.Second
	defaultHeartbeatHeader  = "20000,20000"
	defaultHoldoffUnit      = 8 * time.Second
	defaultHoldoffCap       = 16
	defaultBuffers          = 32
	defaultFrameSize        = 64000
	defaultMaxHeader        = 1024
	defaultSpoolDir         = "/var/spool/stompy"
	defaultBasePort         = 55840
	defaultPollInterval     = 2 * time.Second
	defaultShutdownTimeout  = 2 * time.Minute
	defaultPidFile          = "/var/run/stompy.pid"
	defaultTxQueueSize      = 32 * 1024
	defaultListenRetry      = 32 * time.Second
	defaultRatesWindow      = 16
	defaultSilenceWindows   = 2
	defaultStatsSchedule    = "0 4 * * *"
	defaultAlarmSchedule    = "0 * * * *"
	defaultBacklogAlarmAge  = 36 * time.Minute
	defaultStatsdFlush      = 10 * time.Second
	defaultCommandFile      = "/tmp/stompy.cmd"
	defaultNotifierName     = "log"
	defaultNotifierTimeout  = 30 * time.Second
	defaultNotifierQueue    = 64
)

// build is stamped at link time with -ldflags "-X main.build=...".
var build = "dev"

type appConfig struct {
	logLevel slog.Level
	logFile  string

	feedHost          string
	feedPort          int
	feedUser          string
	feedPassword      string
	clientName        string
	dialTimeout       time.Duration
	inactivityTimeout time.Duration
	heartbeatInterval time.Duration
	heartbeatHeader   string
	holdoffUnit       time.Duration
	holdoffCap        int
	outageAlarmAfter  time.Duration

	buffers         int
	frameSize       int
	maxHeader       int
	spoolDir        string
	basePort        int
	bindAddress     string
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	discard         bool
	pidFile         string
	txQueueSize     int
	listenRetry     time.Duration

	topics []kernel.TopicConfig

	telemetry      telemetry.Config
	metricsAddress string

	notifiers []notify.Definition

	commandFile      string
	watchCommandFile bool
}

type fileConfig struct {
	LogLevel  string              `json:"log_level"`
	LogFile   string              `json:"log_file"`
	Feed      fileFeedConfig      `json:"feed"`
	Relay     fileRelayConfig     `json:"relay"`
	Topics    []fileTopicEntry    `json:"topics"`
	Telemetry fileTelemetryConfig `json:"telemetry"`
	Notifiers []fileNotifierEntry `json:"notifiers"`
	Admin     fileAdminConfig     `json:"admin"`
}

type fileFeedConfig struct {
	Host              string `json:"host"`
	Port              *int   `json:"port"`
	User              string `json:"user"`
	Password          string `json:"password"`
	ClientName        string `json:"client_name"`
	DialTimeout       string `json:"dial_timeout"`
	InactivityTimeout string `json:"inactivity_timeout"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	HeartbeatHeader   string `json:"heartbeat_header"`
	HoldoffUnit       string `json:"holdoff_unit"`
	HoldoffCap        *int   `json:"holdoff_cap"`
	OutageAlarmAfter  string `json:"outage_alarm_after"`
}

type fileRelayConfig struct {
	Buffers         *int   `json:"buffers"`
	FrameSize       *int   `json:"frame_size"`
	MaxHeader       *int   `json:"max_header"`
	SpoolDir        string `json:"spool_dir"`
	BasePort        *int   `json:"base_port"`
	BindAddress     string `json:"bind_address"`
	PollInterval    string `json:"poll_interval"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	Discard         *bool  `json:"discard"`
	PidFile         string `json:"pid_file"`
	TxQueueSize     *int   `json:"tx_queue_size"`
	ListenRetry     string `json:"listen_retry"`
}

type fileTopicEntry struct {
	Name        string `json:"name"`
	Destination string `json:"destination"`
	Command     string `json:"command"`
	AuditLog    string `json:"audit_log"`
	Monitor     *bool  `json:"monitor"`
}

type fileTelemetryConfig struct {
	RatesFile       string          `json:"rates_file"`
	RatesWindow     *int            `json:"rates_window"`
	SilenceWindows  *int            `json:"silence_windows"`
	StatsSchedule   string          `json:"stats_schedule"`
	AlarmSchedule   string          `json:"alarm_schedule"`
	BacklogAlarmAge string          `json:"backlog_alarm_age"`
	MetricsAddress  string          `json:"metrics_address"`
	Statsd          fileStatsdEntry `json:"statsd"`
}

type fileStatsdEntry struct {
	Address     string `json:"address"`
	Prefix      string `json:"prefix"`
	FlushPeriod string `json:"flush_period"`
}

type fileNotifierEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileAdminConfig struct {
	CommandFile string `json:"command_file"`
	Watch       *bool  `json:"watch"`
}

// runRelay loads configuration and runs the relay until SIGINT, SIGTERM or an
// operator shutdown command completes a controlled shutdown.
func runRelay(configFlag string) error {
	registry, err := notify.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin notifier registry: %w", err)
	}

	cfg, err := loadConfig(configFlag, registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	pidFile, err := daemon.AcquirePidFile(cfg.pidFile)
	if err != nil {
		return fmt.Errorf("acquire pid file: %w", err)
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Warn("release pid file failed", "error", err)
		}
	}()

	dispatcher, err := buildNotifierRuntime(context.Background(), logger, cfg, registry)
	if err != nil {
		return err
	}
	defer func() {
		_ = dispatcher.Close(context.Background())
	}()

	watcher, err := buildCommandWatcher(logger, cfg)
	if err != nil {
		return err
	}

	relay, err := kernel.New(buildKernelConfig(cfg),
		kernel.WithLogger(logger),
		kernel.WithAlerter(dispatcher),
		kernel.WithCommandSource(watcher),
	)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("stompy starting",
		"build", build,
		"pid", os.Getpid(),
		"feed", net.JoinHostPort(cfg.feedHost, strconv.Itoa(cfg.feedPort)),
		"topics", len(cfg.topics),
		"spool_dir", cfg.spoolDir,
		"discard", cfg.discard,
	)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}

	return nil
}

func loadConfig(configFlag string, registry *notify.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(configFlag)
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(configFlag string) (string, error) {
	if configFile := strings.TrimSpace(configFlag); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, systemConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, pass --config, or set %s",
		defaultConfigFilePath,
		systemConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		feedHost:          defaultFeedHost,
		feedPort:          defaultFeedPort,
		dialTimeout:       defaultDialTimeout,
		inactivityTimeout: defaultInactivity,
		heartbeatInterval: defaultHeartbeat,
		heartbeatHeader:   defaultHeartbeatHeader,
		holdoffUnit:       defaultHoldoffUnit,
		holdoffCap:        defaultHoldoffCap,

		buffers:         defaultBuffers,
		frameSize:       defaultFrameSize,
		maxHeader:       defaultMaxHeader,
		spoolDir:        defaultSpoolDir,
		basePort:        defaultBasePort,
		pollInterval:    defaultPollInterval,
		shutdownTimeout: defaultShutdownTimeout,
		pidFile:         defaultPidFile,
		txQueueSize:     defaultTxQueueSize,
		listenRetry:     defaultListenRetry,

		telemetry: telemetry.Config{
			RatesWindow:     defaultRatesWindow,
			SilenceWindows:  defaultSilenceWindows,
			StatsSchedule:   defaultStatsSchedule,
			AlarmSchedule:   defaultAlarmSchedule,
			BacklogAlarmAge: defaultBacklogAlarmAge,
			Statsd:          telemetry.StatsdConfig{FlushPeriod: defaultStatsdFlush},
		},

		notifiers: []notify.Definition{
			{Name: defaultNotifierName, Type: notify.TypeLog, Enabled: true, Config: []byte("{}")},
		},

		commandFile: defaultCommandFile,
	}
}

// readConfigFile decodes path as JSON, or as YAML when the extension says so.
// YAML documents are re-encoded as JSON so notifier configs stay raw JSON.
func readConfigFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var document any
		if err := yaml.Unmarshal(data, &document); err != nil {
			return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if document == nil {
			document = map[string]any{}
		}
		data, err = json.Marshal(document)
		if err != nil {
			return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return parsed, nil
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	parsed, err := readConfigFile(path)
	if err != nil {
		return err
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}
	cfg.logFile = strings.TrimSpace(parsed.LogFile)

	if err := applyFeedConfig(cfg, parsed.Feed); err != nil {
		return err
	}
	if err := applyRelayConfig(cfg, parsed.Relay); err != nil {
		return err
	}
	if err := applyTelemetryConfig(cfg, parsed.Telemetry); err != nil {
		return err
	}

	cfg.topics = make([]kernel.TopicConfig, 0, len(parsed.Topics))
	for index, entry := range parsed.Topics {
		command := strings.TrimSpace(entry.Command)
		if len(command) != 1 {
			return fmt.Errorf("parse topics[%d].command: must be a single letter", index)
		}
		monitor := true
		if entry.Monitor != nil {
			monitor = *entry.Monitor
		}
		cfg.topics = append(cfg.topics, kernel.TopicConfig{
			Name:        strings.TrimSpace(entry.Name),
			Destination: strings.TrimSpace(entry.Destination),
			Command:     command[0],
			AuditLog:    strings.TrimSpace(entry.AuditLog),
			Monitor:     monitor,
		})
	}

	if parsed.Notifiers != nil {
		cfg.notifiers = make([]notify.Definition, 0, len(parsed.Notifiers))
		for index, entry := range parsed.Notifiers {
			enabled := true
			if entry.Enabled != nil {
				enabled = *entry.Enabled
			}
			if len(entry.Config) == 0 {
				return fmt.Errorf("parse notifiers[%d].config: required", index)
			}
			cfg.notifiers = append(cfg.notifiers, notify.Definition{
				Name:    strings.TrimSpace(entry.Name),
				Type:    strings.TrimSpace(entry.Type),
				Enabled: enabled,
				Config:  append([]byte(nil), entry.Config...),
			})
		}
	}

	if commandFile := strings.TrimSpace(parsed.Admin.CommandFile); commandFile != "" {
		cfg.commandFile = commandFile
	}
	if parsed.Admin.Watch != nil {
		cfg.watchCommandFile = *parsed.Admin.Watch
	}

	return nil
}

func applyFeedConfig(cfg *appConfig, parsed fileFeedConfig) error {
	if host := strings.TrimSpace(parsed.Host); host != "" {
		cfg.feedHost = host
	}
	if parsed.Port != nil {
		if *parsed.Port <= 0 || *parsed.Port > 65535 {
			return fmt.Errorf("parse feed.port: must be within 1..65535")
		}
		cfg.feedPort = *parsed.Port
	}
	cfg.feedUser = strings.TrimSpace(parsed.User)
	cfg.feedPassword = parsed.Password
	cfg.clientName = strings.TrimSpace(parsed.ClientName)
	if header := strings.TrimSpace(parsed.HeartbeatHeader); header != "" {
		cfg.heartbeatHeader = header
	}
	if parsed.HoldoffCap != nil {
		if *parsed.HoldoffCap <= 0 {
			return fmt.Errorf("parse feed.holdoff_cap: must be > 0")
		}
		cfg.holdoffCap = *parsed.HoldoffCap
	}

	for _, field := range []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "feed.dial_timeout", raw: parsed.DialTimeout, target: &cfg.dialTimeout},
		{name: "feed.inactivity_timeout", raw: parsed.InactivityTimeout, target: &cfg.inactivityTimeout},
		{name: "feed.heartbeat_interval", raw: parsed.HeartbeatInterval, target: &cfg.heartbeatInterval},
		{name: "feed.holdoff_unit", raw: parsed.HoldoffUnit, target: &cfg.holdoffUnit},
	} {
		if err := parsePositiveDuration(field.name, field.raw, field.target); err != nil {
			return err
		}
	}
	if raw := strings.TrimSpace(parsed.OutageAlarmAfter); raw != "" {
		after, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse feed.outage_alarm_after: %w", err)
		}
		if after < 0 {
			return fmt.Errorf("parse feed.outage_alarm_after: must be >= 0")
		}
		cfg.outageAlarmAfter = after
	}

	return nil
}

func applyRelayConfig(cfg *appConfig, parsed fileRelayConfig) error {
	for _, field := range []struct {
		name   string
		value  *int
		target *int
	}{
		{name: "relay.buffers", value: parsed.Buffers, target: &cfg.buffers},
		{name: "relay.frame_size", value: parsed.FrameSize, target: &cfg.frameSize},
		{name: "relay.max_header", value: parsed.MaxHeader, target: &cfg.maxHeader},
		{name: "relay.tx_queue_size", value: parsed.TxQueueSize, target: &cfg.txQueueSize},
	} {
		if field.value == nil {
			continue
		}
		if *field.value <= 0 {
			return fmt.Errorf("parse %s: must be > 0", field.name)
		}
		*field.target = *field.value
	}
	if parsed.BasePort != nil {
		if *parsed.BasePort < 0 || *parsed.BasePort > 65535 {
			return fmt.Errorf("parse relay.base_port: must be within 0..65535")
		}
		cfg.basePort = *parsed.BasePort
	}

	if spoolDir := strings.TrimSpace(parsed.SpoolDir); spoolDir != "" {
		cfg.spoolDir = spoolDir
	}
	cfg.bindAddress = strings.TrimSpace(parsed.BindAddress)
	if pidFile := strings.TrimSpace(parsed.PidFile); pidFile != "" {
		cfg.pidFile = pidFile
	}
	if parsed.Discard != nil {
		cfg.discard = *parsed.Discard
	}

	for _, field := range []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "relay.poll_interval", raw: parsed.PollInterval, target: &cfg.pollInterval},
		{name: "relay.shutdown_timeout", raw: parsed.ShutdownTimeout, target: &cfg.shutdownTimeout},
		{name: "relay.listen_retry", raw: parsed.ListenRetry, target: &cfg.listenRetry},
	} {
		if err := parsePositiveDuration(field.name, field.raw, field.target); err != nil {
			return err
		}
	}

	return nil
}

func applyTelemetryConfig(cfg *appConfig, parsed fileTelemetryConfig) error {
	cfg.telemetry.RatesFile = strings.TrimSpace(parsed.RatesFile)
	if parsed.RatesWindow != nil {
		if *parsed.RatesWindow <= 0 {
			return fmt.Errorf("parse telemetry.rates_window: must be > 0")
		}
		cfg.telemetry.RatesWindow = *parsed.RatesWindow
	}
	if parsed.SilenceWindows != nil {
		if *parsed.SilenceWindows <= 0 {
			return fmt.Errorf("parse telemetry.silence_windows: must be > 0")
		}
		cfg.telemetry.SilenceWindows = *parsed.SilenceWindows
	}
	if schedule := strings.TrimSpace(parsed.StatsSchedule); schedule != "" {
		cfg.telemetry.StatsSchedule = schedule
	}
	if schedule := strings.TrimSpace(parsed.AlarmSchedule); schedule != "" {
		cfg.telemetry.AlarmSchedule = schedule
	}
	if err := parsePositiveDuration("telemetry.backlog_alarm_age", parsed.BacklogAlarmAge, &cfg.telemetry.BacklogAlarmAge); err != nil {
		return err
	}
	cfg.metricsAddress = strings.TrimSpace(parsed.MetricsAddress)

	cfg.telemetry.Statsd.Address = strings.TrimSpace(parsed.Statsd.Address)
	cfg.telemetry.Statsd.Prefix = strings.TrimSpace(parsed.Statsd.Prefix)
	if err := parsePositiveDuration("telemetry.statsd.flush_period", parsed.Statsd.FlushPeriod, &cfg.telemetry.Statsd.FlushPeriod); err != nil {
		return err
	}

	return nil
}

// parsePositiveDuration leaves target untouched when raw is empty.
func parsePositiveDuration(name string, raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if value <= 0 {
		return fmt.Errorf("parse %s: must be > 0", name)
	}
	*target = value

	return nil
}

func validateAppConfig(cfg *appConfig, registry *notify.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil notifier registry")
	}

	if cfg.feedUser == "" {
		return fmt.Errorf("feed.user is required")
	}
	if cfg.clientName == "" {
		cfg.clientName = abbreviatedHostName()
	}
	if cfg.maxHeader >= cfg.frameSize {
		return fmt.Errorf("relay.max_header must be smaller than relay.frame_size")
	}

	if len(cfg.topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	names := make(map[string]struct{}, len(cfg.topics))
	for index, topic := range cfg.topics {
		if topic.Name == "" {
			return fmt.Errorf("topics[%d].name is required", index)
		}
		if _, exists := names[topic.Name]; exists {
			return fmt.Errorf("topics[%s]: duplicate name", topic.Name)
		}
		names[topic.Name] = struct{}{}
	}
	if _, err := admin.NewParser(commandLetters(cfg.topics)); err != nil {
		return fmt.Errorf("topics[].command: %w", err)
	}
	if !cfg.discard && cfg.basePort > 0 && cfg.basePort+len(cfg.topics)-1 > 65535 {
		return fmt.Errorf("relay.base_port leaves no room for %d topics", len(cfg.topics))
	}

	for _, expr := range []struct {
		name string
		expr string
	}{
		{name: "telemetry.stats_schedule", expr: cfg.telemetry.StatsSchedule},
		{name: "telemetry.alarm_schedule", expr: cfg.telemetry.AlarmSchedule},
	} {
		if _, err := telemetry.ParseSchedule(expr.expr); err != nil {
			return fmt.Errorf("%s: %w", expr.name, err)
		}
	}

	knownTypes := make(map[string]struct{})
	for _, notifierType := range registry.Types() {
		knownTypes[notifierType] = struct{}{}
	}
	seen := make(map[string]struct{}, len(cfg.notifiers))
	for _, definition := range cfg.notifiers {
		if definition.Name == "" {
			return fmt.Errorf("notifiers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("notifiers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("notifiers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if _, known := knownTypes[definition.Type]; !known && definition.Enabled {
			return fmt.Errorf("notifiers[%s].type: unsupported type %s", definition.Name, definition.Type)
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// newLogger builds the JSON logger, appending to log_file when one is set.
func newLogger(cfg appConfig) (*slog.Logger, func(), error) {
	var output io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.logFile != "" {
		file, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.logFile, err)
		}
		output = file
		closeLog = func() {
			_ = file.Close()
		}
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	return logger, closeLog, nil
}

func buildNotifierRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *notify.Registry,
) (*notify.Dispatcher, error) {
	identity := notify.Identity{Name: appName, Build: build, Host: abbreviatedHostName()}
	notifiers, err := registry.BuildEnabled(ctx, cfg.notifiers, identity, logger)
	if err != nil {
		return nil, fmt.Errorf("build notifiers: %w", err)
	}
	if len(notifiers) == 0 {
		logger.Warn("no notifiers enabled, reports and alarms go to the log only")
		notifiers = append(notifiers, notify.NewLogNotifier(defaultNotifierName, logger))
	}

	return notify.NewDispatcher(notifiers,
		notify.WithLogger(logger),
		notify.WithQueueSize(defaultNotifierQueue),
		notify.WithTimeout(defaultNotifierTimeout),
	), nil
}

func buildCommandWatcher(logger *slog.Logger, cfg appConfig) (*admin.Watcher, error) {
	parser, err := admin.NewParser(commandLetters(cfg.topics))
	if err != nil {
		return nil, fmt.Errorf("build command parser: %w", err)
	}
	watcher, err := admin.NewWatcher(cfg.commandFile, parser,
		admin.WithLogger(logger),
		admin.WithFileWatch(cfg.watchCommandFile),
	)
	if err != nil {
		return nil, fmt.Errorf("build command watcher: %w", err)
	}

	return watcher, nil
}

func buildKernelConfig(cfg appConfig) kernel.Config {
	return kernel.Config{
		Feed: feed.Config{
			User:              cfg.feedUser,
			Password:          cfg.feedPassword,
			ClientName:        cfg.clientName,
			HeartbeatHeader:   cfg.heartbeatHeader,
			InactivityTimeout: cfg.inactivityTimeout,
			HeartbeatInterval: cfg.heartbeatInterval,
			OutageAlarmAfter:  cfg.outageAlarmAfter,
			MaxHeader:         cfg.maxHeader,
			MaxBody:           cfg.frameSize,
		},
		Link: feed.LinkConfig{
			Address:     net.JoinHostPort(cfg.feedHost, strconv.Itoa(cfg.feedPort)),
			DialTimeout: cfg.dialTimeout,
			TxQueueSize: cfg.txQueueSize,
		},
		HoldoffUnit: cfg.holdoffUnit,
		HoldoffCap:  cfg.holdoffCap,
		Buffers:     cfg.buffers,
		FrameSize:   cfg.frameSize,
		SpoolDir:    cfg.spoolDir,
		Delivery: delivery.Config{
			BindAddress: cfg.bindAddress,
			BasePort:    cfg.basePort,
			ListenRetry: cfg.listenRetry,
		},
		Telemetry:       cfg.telemetry,
		MetricsAddress:  cfg.metricsAddress,
		Topics:          cfg.topics,
		PollInterval:    cfg.pollInterval,
		ShutdownTimeout: cfg.shutdownTimeout,
		Discard:         cfg.discard,
	}
}

func commandLetters(topics []kernel.TopicConfig) []byte {
	letters := make([]byte, 0, len(topics))
	for _, topic := range topics {
		letters = append(letters, topic.Command)
	}

	return letters
}

// abbreviatedHostName returns the host name up to its first dot.
func abbreviatedHostName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	short, _, _ := strings.Cut(host, ".")

	return short
}
