package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stompy/internal/admin"
	"stompy/internal/daemon"
	"stompy/internal/notify"
	"stompy/internal/spool"
	"stompy/pkg/relay"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Durable STOMP feed relay",
		Long:          "stompy holds one upstream STOMP session and relays each topic to a local consumer port, spooling to disk whenever a consumer falls behind.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (JSON or YAML); overrides "+envConfigFile)

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the relay",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runRelay(configPath)
			},
		},
		newConsumeCommand(&configPath),
		newSpoolCommand(&configPath),
		newCtlCommand(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build identifier",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s build %s\n", appName, build)
			},
		},
	)

	return root
}

// loadToolConfig loads the relay configuration for the operator subcommands.
func loadToolConfig(configPath string) (appConfig, error) {
	registry, err := notify.NewBuiltinRegistry()
	if err != nil {
		return appConfig{}, fmt.Errorf("new builtin notifier registry: %w", err)
	}
	cfg, err := loadConfig(configPath, registry)
	if err != nil {
		return appConfig{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

type consumeOptions struct {
	address string
	count   int
	noAck   bool
	retry   time.Duration
	maxSize int
}

func newConsumeCommand(configPath *string) *cobra.Command {
	var (
		topic   int
		options consumeOptions
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages from one topic's delivery port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if options.address == "" {
				cfg, err := loadToolConfig(*configPath)
				if err != nil {
					return err
				}
				address, err := consumerAddress(cfg, topic)
				if err != nil {
					return err
				}
				options.address = address
				options.maxSize = cfg.frameSize
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConsume(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), options)
		},
	}
	cmd.Flags().IntVar(&topic, "topic", 0, "Topic index")
	cmd.Flags().StringVar(&options.address, "address", "", "Delivery endpoint host:port; derived from the config when empty")
	cmd.Flags().IntVar(&options.count, "count", 0, "Stop after this many messages (0 means no limit)")
	cmd.Flags().BoolVar(&options.noAck, "no-ack", false, "Print the first message without acknowledging it and exit")
	cmd.Flags().DurationVar(&options.retry, "retry", 30*time.Second, "Keep retrying a refused connection for this long")

	return cmd
}

// consumerAddress derives a dialable delivery endpoint for topic.
func consumerAddress(cfg appConfig, topic int) (string, error) {
	if topic < 0 || topic >= len(cfg.topics) {
		return "", fmt.Errorf("topic %d out of range; %d topics configured", topic, len(cfg.topics))
	}
	if cfg.basePort <= 0 {
		return "", fmt.Errorf("relay.base_port is ephemeral; pass --address")
	}
	host := cfg.bindAddress
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, strconv.Itoa(relay.PortForTopic(cfg.basePort, topic))), nil
}

func runConsume(ctx context.Context, stdout io.Writer, stderr io.Writer, options consumeOptions) error {
	client, err := relay.Dial(ctx, options.address,
		relay.WithMaxMessageSize(options.maxSize),
		relay.WithDialRetry(options.retry, func(err error, wait time.Duration) {
			fmt.Fprintf(stderr, "connect %s failed: %v; retrying in %s\n", options.address, err, wait.Round(time.Millisecond))
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	for received := 0; options.count <= 0 || received < options.count; received++ {
		body, err := client.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume %s: %w", options.address, err)
		}
		if _, err := fmt.Fprintf(stdout, "%s\n", body); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		if options.noAck {
			return nil
		}
		if err := client.Ack(); err != nil {
			return fmt.Errorf("consume %s: %w", options.address, err)
		}
	}

	return nil
}

func newSpoolCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "spool",
		Short: "Report the on-disk backlog of every topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}

			return reportSpool(cmd.OutOrStdout(), cfg, time.Now())
		},
	}
}

func reportSpool(w io.Writer, cfg appConfig, now time.Time) error {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "TOPIC\tON DISK\tSIZE\tOLDEST")
	for index, topic := range cfg.topics {
		summary, err := spool.Inspect(filepath.Join(cfg.spoolDir, strconv.Itoa(index)))
		if err != nil {
			return err
		}
		oldest := "-"
		if summary.Count > 0 {
			oldest = humanize.RelTime(time.UnixMicro(summary.Oldest), now, "ago", "from now")
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n",
			topic.Name,
			humanize.Comma(int64(summary.Count)),
			humanize.Bytes(uint64(summary.Bytes)),
			oldest,
		)
	}

	return table.Flush()
}

func newCtlCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ctl <commands>",
		Short: "Send operator commands to the running relay",
		Long: "Writes the command file and signals the running relay. Each topic letter holds that topic " +
			"in lowercase and releases it in uppercase; s starts a controlled shutdown and q logs a status dump.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}

			return sendCommands(cfg, strings.Join(args, ""))
		},
	}
}

func sendCommands(cfg appConfig, commands string) error {
	parser, err := admin.NewParser(commandLetters(cfg.topics))
	if err != nil {
		return fmt.Errorf("build command parser: %w", err)
	}
	if len(parser.Parse([]byte(commands))) == 0 {
		return fmt.Errorf("no recognised commands in %q", commands)
	}

	pid, err := daemon.ReadPid(cfg.pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("relay not running: no pid file at %s", cfg.pidFile)
		}
		return err
	}

	return admin.Send(cfg.commandFile, pid, commands)
}
