package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/devicepoll"
	"github.com/jpalmerr/devicepoll/config"
	"github.com/spf13/cobra"
)

const (
	// shutdownTimeout bounds waiting for the service after a signal. It
	// covers the poll grace period plus closing storage.
	shutdownTimeout = 15 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// newService loads the config file and builds a Service from it.
func newService(configFile string, logger *slog.Logger) (*devicepoll.Service, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts := append(config.BuildOptions(cfg), devicepoll.WithLogger(logger))
	svc, err := devicepoll.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, cfg, nil
}

// serveCmd starts polling and the status API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll devices and serve the status API",
	Long: `Start devicepoll.

The service will:
  - Load configuration from the specified YAML file
  - Upsert configured devices into the device table
  - Poll every enabled, active device on its own interval
  - Prune history older than the retention window
  - Serve the status API on the configured port (0 disables it)

The service runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  devicepoll serve -c config.yaml
  devicepoll serve --config /etc/devicepoll/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	svc, cfg, err := newService(configFile, logger)
	if err != nil {
		return err
	}

	logger.Info("config loaded",
		"devices", len(cfg.Devices),
		"store", cfg.Store.Driver,
		"history", cfg.History.Driver,
	)
	logger.Info("starting service",
		"port", cfg.Port,
		"refresh_interval", cfg.RefreshInterval.Duration().String(),
		"retention_days", cfg.Retention.Days,
	)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start service - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("service error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("service error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
