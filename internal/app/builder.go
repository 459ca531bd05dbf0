package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/chanstate/internal/api"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/storage"
	"github.com/stacklok/chanstate/internal/telemetry"
	"github.com/stacklok/chanstate/internal/versions"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	tracerName = "github.com/stacklok/chanstate"
)

// Option is a function that configures the app builder
type Option func(*appConfig) error

// appConfig collects the builder settings. Component overrides exist mainly for
// tests; production wiring derives everything from config.
type appConfig struct {
	config *config.Config

	storageFactory storage.Factory
	telemetry      *telemetry.Telemetry
	logger         *slog.Logger

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...Option) (*appConfig, error) {
	cfg := &appConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		cfg.config = config.Default()
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Server.Address
	}
	if cfg.address == "" {
		cfg.address = defaultHTTPAddress
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return cfg, nil
}

// New builds the application: telemetry, storage, the managers and the HTTP
// server. Nothing is loaded or served until Start.
func New(ctx context.Context, opts ...Option) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	if cfg.telemetry == nil {
		cfg.telemetry, err = telemetry.New(ctx,
			telemetry.WithTelemetryConfig(cfg.config.Telemetry),
			telemetry.WithVersion(versions.Version),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	tracer := cfg.telemetry.Tracer(tracerName)

	if cfg.storageFactory == nil {
		cfg.storageFactory, err = storage.NewFactory(ctx, &cfg.config.Storage, storage.WithTracer(tracer))
		if err != nil {
			_ = cfg.telemetry.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create storage factory: %w", err)
		}
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			cfg.storageFactory.Cleanup()
			_ = cfg.telemetry.Shutdown(ctx)
		}
	}()

	managerMetrics, err := telemetry.NewManagerMetrics(cfg.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create manager metrics: %w", err)
	}

	managers, err := BuildManagers(ctx, &cfg.config.Managers, cfg.storageFactory, ManagerDeps{
		Logger:  cfg.logger,
		Metrics: managerMetrics,
		Tracer:  tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build managers: %w", err)
	}

	streamsCtx, stopStreams := context.WithCancel(context.Background())
	httpServer, err := buildHTTPServer(cfg, Components{Storage: cfg.storageFactory, Managers: managers}, streamsCtx.Done())
	if err != nil {
		stopStreams()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}
	httpServer.RegisterOnShutdown(stopStreams)

	cleanupNeeded = false
	appCtx, cancel := context.WithCancel(context.Background())

	return &App{
		config: cfg.config,
		components: &Components{
			Storage:  cfg.storageFactory,
			Managers: managers,
		},
		telemetry:  cfg.telemetry,
		logger:     cfg.logger,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
		initDone:   make(chan struct{}),
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Option {
	return func(cfg *appConfig) error {
		if c == nil {
			return fmt.Errorf("config cannot be nil")
		}
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address, overriding server.address
func WithAddress(addr string) Option {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRequestTimeout bounds API requests other than event streams
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d < 0 {
			return fmt.Errorf("request timeout must not be negative")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithStorageFactory allows injecting a custom storage factory (for testing)
func WithStorageFactory(f storage.Factory) Option {
	return func(cfg *appConfig) error {
		cfg.storageFactory = f
		return nil
	}
}

// WithTelemetry allows injecting already built telemetry providers
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(cfg *appConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithLogger sets the logger handed to the managers
func WithLogger(l *slog.Logger) Option {
	return func(cfg *appConfig) error {
		cfg.logger = l
		return nil
	}
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *appConfig, components Components, streamsDone <-chan struct{}) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		}
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	// Metrics and tracing first so they see every request, including recovered panics
	middlewares = append([]func(http.Handler) http.Handler{
		telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
		httpMetrics.Middleware,
	}, middlewares...)

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(middlewares...),
		api.WithRequestTimeout(b.requestTimeout),
		api.WithStreamsDone(streamsDone),
	}
	if h := b.telemetry.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
	}
	router := api.NewServer(components.Managers, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
