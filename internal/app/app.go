// Package app provides application lifecycle management for the chanstate server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/telemetry"
)

// App encapsulates all components needed to run the chanstate server and
// provides lifecycle management and graceful shutdown.
type App struct {
	config     *config.Config
	components *Components
	telemetry  *telemetry.Telemetry
	logger     *slog.Logger
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	initDone   chan struct{}
	initErr    error
	stopped    atomic.Bool
}

// Start listens on the configured address and serves until Stop.
func (app *App) Start() error {
	l, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(l)
}

// Serve starts loading the managers in the background and serves HTTP on l.
// It blocks until the server stops. The API answers 503 until loading completes.
func (app *App) Serve(l net.Listener) error {
	go app.initialize()

	app.logger.Info("Server listening", "address", l.Addr().String())
	if err := app.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (app *App) initialize() {
	defer close(app.initDone)

	start := time.Now()
	// The wait and the loads share the app context; Stop cancels both.
	app.initErr = InitializeManagers(app.ctx, app.ctx, app.components.Managers)
	if app.initErr != nil {
		app.logger.Error("Manager initialization failed", "error", app.initErr)
		return
	}
	app.logger.Info("Managers ready", "duration", time.Since(start))
}

// AwaitReady blocks until every manager finished loading, returning the first
// load failure.
func (app *App) AwaitReady(ctx context.Context) error {
	select {
	case <-app.initDone:
		return app.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully stops the application with the given timeout. HTTP is drained
// first so no request races the managers closing. Pending debounced writes are
// flushed before the managers close, then telemetry and storage are released.
func (app *App) Stop(timeout time.Duration) error {
	if !app.stopped.CompareAndSwap(false, true) {
		return nil
	}
	app.logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	// Abandon loads still in flight
	app.cancelFunc()

	if err := CloseManagers(shutdownCtx, app.components.Managers); err != nil {
		errs = append(errs, fmt.Errorf("failed to close managers: %w", err))
	}
	if err := app.telemetry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	app.components.Storage.Cleanup()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	app.logger.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// GetComponents returns the storage and managers of the application
func (app *App) GetComponents() *Components {
	return app.components
}

// GetHTTPServer returns the HTTP server
func (app *App) GetHTTPServer() *http.Server {
	return app.httpServer
}
