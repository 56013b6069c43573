package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/api"
	"github.com/busybox42/mailq/internal/logging"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the queue dispatcher",
		Long:  "Run the queue dispatcher with the optional HTTP API until interrupted",
		RunE:  runServer,
	}
	cmd.Flags().Bool("api", false, "enable the HTTP API (overrides config)")
	cmd.Flags().String("listen", "", "API listen address (overrides config)")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := logging.InitializeLogging(a.cfg.Logging.Level, a.cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.GetLogLevelManager().Close()
	a.logger = slog.Default().With("component", "mailq")

	// Override config with command line flags
	if enabled, _ := cmd.Flags().GetBool("api"); enabled {
		a.cfg.API.Enabled = true
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		a.cfg.API.Listen = listen
	}

	parts, err := a.newDispatcher()
	if err != nil {
		return err
	}

	a.logger.Info("Starting mailq",
		"version", version,
		"config_file", a.configFile,
		"driver", a.cfg.Queue.Driver,
		"notifiers", parts.escalator.Notifiers())

	var apiServer *api.Server
	if a.cfg.API.Enabled {
		apiServer, err = api.NewServer(api.Config{
			ListenAddr:    a.cfg.API.Listen,
			TokenHash:     a.cfg.API.TokenHash,
			AttachmentDir: a.cfg.API.AttachmentDir,
		}, a.manager)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		apiServer.SetMetricsHandler(a.metrics.Handler())
		if parts.stats != nil {
			apiServer.SetStatsStore(parts.stats)
		}
		if parts.notices != nil {
			apiServer.SetNoticeReader(parts.notices)
		}
		if err := apiServer.Start(); err != nil {
			return err
		}
	}

	if err := parts.dispatcher.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "mailq started. Press Ctrl+C to stop.")
	<-ctx.Done()
	a.logger.Info("Shutdown signal received")

	// The in-flight send finishes before Stop returns
	parts.dispatcher.Stop()

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping API server: %v\n", err)
		}
	}

	a.logger.Info("mailq stopped")
	return nil
}
