// Command pcmlink streams raw PCM audio from a capture device on one host to
// a playback device on another over a single TCP connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MrWong99/pcmlink/internal/app"
	"github.com/MrWong99/pcmlink/internal/config"
	"github.com/MrWong99/pcmlink/internal/observe"
)

var version = "0.1.0"

// options holds the command-line flags shared by all streaming commands.
type options struct {
	configPath string
	address    string
	port       int
	role       string

	// portSet records an explicit --port, so that 0 can ask for an
	// OS-assigned receiver port.
	portSet bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pcmlink:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "pcmlink",
		Short:         "Stream live PCM audio between two hosts over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.address, "address", "", "receiver host to connect to (sender) or bind to (receiver)")
	root.PersistentFlags().IntVar(&opts.port, "port", 0, "TCP port of the link")

	sendCmd := &cobra.Command{
		Use:   "send [address [port]]",
		Short: "Capture audio and stream it to a receiver",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd, opts, config.RoleSender, args)
		},
	}
	receiveCmd := &cobra.Command{
		Use:   "receive [address [port]]",
		Short: "Accept a sender and play what it streams",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd, opts, config.RoleReceiver, args)
		},
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the role selected by --role or the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd, opts, config.Role(opts.role), nil)
		},
	}
	runCmd.Flags().StringVar(&opts.role, "role", "", "sender or receiver (overrides stream.role)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pcmlink v%s\n", version)
		},
	}

	root.AddCommand(sendCmd, receiveCmd, runCmd, versionCmd, newDevicesCmd())
	return root
}

// loadConfig reads the configuration file (if any), applies command-line
// overrides and validates the result.
func loadConfig(opts *options, role config.Role, args []string) (*config.Config, func(*config.Config), error) {
	address, port, portSet := opts.address, opts.port, opts.portSet
	if len(args) > 0 {
		address = args[0]
	}
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", args[1], err)
		}
		port, portSet = p, true
	}

	overrides := func(c *config.Config) {
		if role != "" {
			c.Stream.Role = role
		}
		if address != "" {
			c.Stream.Address = address
		}
		if portSet {
			c.Stream.Port = port
		}
	}

	if opts.configPath == "" {
		cfg := config.Default()
		overrides(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
		return cfg, overrides, nil
	}

	cfg, err := config.Load(opts.configPath, overrides)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("config file %q not found", opts.configPath)
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, overrides, nil
}

func runRole(cmd *cobra.Command, opts *options, role config.Role, args []string) error {
	opts.portSet = opts.portSet || cmd.Flags().Changed("port")
	cfg, overrides, err := loadConfig(opts, role, args)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("pcmlink starting",
		"version", version,
		"role", cfg.Stream.Role,
		"addr", cfg.Stream.Addr(),
		"format", cfg.Audio.Format().String(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Role:           string(cfg.Stream.Role),
		Registry:       promReg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	devices, err := openDevices(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, devices,
		app.WithMetricsHandler(observe.MetricsHandler(promReg)),
		app.WithLevelVar(level),
	)
	if err != nil {
		closeDevices(devices)
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath, application.Reload, config.WithOverrides(overrides))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()
			go w.Watch(watchCtx)
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("stream ended with an error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr == nil {
		slog.Info("goodbye")
	}
	return runErr
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
