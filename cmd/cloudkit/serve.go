package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/cloudkit/functions"
	"github.com/c360/cloudkit/metric"
)

type pingResult struct {
	Status  string    `json:"status"`
	Region  string    `json:"region"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

func newServeCommand(a *app) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in functions and the metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	return cmd
}

func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	slog.Info("Starting cloudkit",
		"version", Version,
		"build_time", BuildTime,
		"config_path", a.configPath,
		"project", a.cfg.Platform.Project)

	var metricsServer *metric.Server
	if a.cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server started", "address", metricsServer.Address())
	}

	mgr := a.manager()
	host, err := mgr.Host(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := registerBuiltins(host); err != nil {
		_ = mgr.Cleanup(context.Background())
		return err
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := mgr.Cleanup(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}

	slog.Info("cloudkit shutdown complete")
	return shutdownErr
}

// registerBuiltins serves ping and echo, used to check that a region is reachable
func registerBuiltins(host *functions.Host) error {
	if err := functions.Handle(host, "ping", func(context.Context, struct{}) (pingResult, error) {
		return pingResult{Status: "ok", Region: host.Region(), Version: Version, Time: time.Now().UTC()}, nil
	}); err != nil {
		return err
	}
	return host.Register("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		if len(payload) == 0 {
			return json.RawMessage("null"), nil
		}
		return payload, nil
	})
}
