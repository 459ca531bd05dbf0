package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/chanstate/internal/app"
	"github.com/stacklok/chanstate/internal/logging"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chanstate server",
		Long: `Start the chanstate server. The managers load their collections in the
background; the API answers 503 until every manager is ready.

On SIGINT or SIGTERM the server stops accepting requests, flushes pending
debounced writes and closes the storage backend.

See examples/ for a sample configuration.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// The config file may choose a different level or format than the environment did
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	opts := []app.Option{app.WithConfig(cfg), app.WithLogger(logger)}
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to get address flag: %w", err)
	}
	if address != "" {
		opts = append(opts, app.WithAddress(address))
	}

	chanstate, err := app.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- chanstate.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case serveErr = <-errCh:
	case sig := <-quit:
		slog.Info("Received signal", "signal", sig.String())
	}

	if err := chanstate.Stop(cfg.Server.GetShutdownTimeout()); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
