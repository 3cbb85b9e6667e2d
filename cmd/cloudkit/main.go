// Package main implements the cloudkit command line: a function host and metrics endpoint
// for the platform, plus commands for documents, topics and function calls.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/cloudkit/config"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/platform"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cloudkit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand(&app{}).Execute(); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// app carries state shared by every command
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	timeout    time.Duration

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Documents, functions and messaging on NATS",
		Long:          "cloudkit serves functions and works with documents, topics and function calls on a NATS platform.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("CLOUDKIT_CONFIG"),
		"Path to configuration file (env: CLOUDKIT_CONFIG)")
	flags.StringVar(&a.logLevel, "log-level", getEnv("CLOUDKIT_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CLOUDKIT_LOG_LEVEL)")
	flags.StringVar(&a.logFormat, "log-format", getEnv("CLOUDKIT_LOG_FORMAT", "text"),
		"Log format: json, text (env: CLOUDKIT_LOG_FORMAT)")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	root.AddCommand(
		newVersionCommand(),
		newServeCommand(a),
		newConfigCommand(a),
		newDocCommand(a),
		newTopicCommand(a),
		newPublishCommand(a),
		newSubscribeCommand(a),
		newCallCommand(a),
		newHealthCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, a.logLevel) {
		return fmt.Errorf("invalid log level: %s", a.logLevel)
	}
	if !slices.Contains([]string{"json", "text"}, a.logFormat) {
		return fmt.Errorf("invalid log format: %s", a.logFormat)
	}

	a.logger = setupLogger(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
	slog.SetDefault(a.logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.registry = metric.NewMetricsRegistry()
	return nil
}

func (a *app) manager() *platform.Manager {
	return platform.NewManager(*a.cfg,
		platform.WithLogger(a.logger),
		platform.WithMetrics(a.registry),
	)
}

// run hands fn a manager and a context bounded by --timeout, then cleans up
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, mgr *platform.Manager) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	mgr := a.manager()
	err := fn(ctx, mgr)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cleanupCancel()
	if cerr := mgr.Cleanup(cleanupCtx); cerr != nil {
		a.logger.Warn("Cleanup failed", "error", cerr)
	}
	return err
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
			return err
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
