package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	v1 "github.com/stacklok/chanstate/internal/api/v1"
	"github.com/stacklok/chanstate/internal/boards"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/changebus"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/posthides"
	"github.com/stacklok/chanstate/internal/storage"
	"github.com/stacklok/chanstate/internal/telemetry"
)

// Components groups the long-lived parts of the application
type Components struct {
	// Storage opens the stores of the configured backend
	Storage storage.Factory

	// Managers are the domain managers
	Managers v1.Managers
}

// ManagerDeps are the ambient dependencies shared by every manager.
type ManagerDeps struct {
	Logger  *slog.Logger
	Metrics *telemetry.ManagerMetrics
	Tracer  trace.Tracer
}

// managerOptions translates one manager's configuration into manager options.
func managerOptions(name string, mc config.ManagerConfig, deps ManagerDeps) ([]manager.Option, error) {
	mode, err := manager.ParseMode(mc.Persistence)
	if err != nil {
		return nil, fmt.Errorf("managers.%s.persistence: %w", name, err)
	}

	var busOpts []changebus.Option
	if mc.Bus.Policy != "" {
		policy, err := changebus.ParsePolicy(mc.Bus.Policy)
		if err != nil {
			return nil, fmt.Errorf("managers.%s.bus.policy: %w", name, err)
		}
		busOpts = append(busOpts, changebus.WithPolicy(policy))
	}
	busOpts = append(busOpts,
		changebus.WithCapacity(mc.Bus.Capacity),
		changebus.WithReplay(mc.Bus.Replay),
	)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithMetrics(deps.Metrics),
		manager.WithPersistence(mode),
		manager.WithBusOptions(busOpts...),
	}
	if deps.Tracer != nil {
		opts = append(opts, manager.WithTracer(deps.Tracer))
	}
	// Unset keeps each domain's own default window.
	if mc.Debounce != "" {
		opts = append(opts, manager.WithDebounce(mc.GetDebounce(0)))
	}
	return opts, nil
}

// BuildManagers opens a store per manager and creates the managers. They still
// need Initialize.
func BuildManagers(ctx context.Context, cfg *config.ManagersConfig, factory storage.Factory, deps ManagerDeps) (v1.Managers, error) {
	var out v1.Managers

	bmStore, err := factory.Store(ctx, bookmarks.Name)
	if err != nil {
		return out, fmt.Errorf("failed to open %s store: %w", bookmarks.Name, err)
	}
	bmOpts, err := managerOptions(bookmarks.Name, cfg.Bookmarks, deps)
	if err != nil {
		return out, err
	}
	if out.Bookmarks, err = bookmarks.New(bookmarks.NewRepository(bmStore), bmOpts...); err != nil {
		return out, err
	}

	bdStore, err := factory.Store(ctx, boards.Name)
	if err != nil {
		return out, fmt.Errorf("failed to open %s store: %w", boards.Name, err)
	}
	bdOpts, err := managerOptions(boards.Name, cfg.Boards, deps)
	if err != nil {
		return out, err
	}
	if out.Boards, err = boards.New(boards.NewRepository(bdStore), bdOpts...); err != nil {
		return out, err
	}

	phStore, err := factory.Store(ctx, posthides.Name)
	if err != nil {
		return out, fmt.Errorf("failed to open %s store: %w", posthides.Name, err)
	}
	phOpts, err := managerOptions(posthides.Name, cfg.PostHides, deps)
	if err != nil {
		return out, err
	}
	if out.PostHides, err = posthides.New(posthides.NewRepository(phStore), phOpts...); err != nil {
		return out, err
	}

	return out, nil
}

type lifecycle interface {
	Name() string
	IsReady() bool
	Initialize(ctx context.Context)
	AwaitUntilInitialized(ctx context.Context) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

func all(m v1.Managers) []lifecycle {
	return []lifecycle{m.Bookmarks, m.Boards, m.PostHides}
}

// InitializeManagers loads every manager concurrently and waits for all of them.
// loadCtx bounds the loads themselves; ctx bounds the wait.
func InitializeManagers(ctx, loadCtx context.Context, m v1.Managers) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, mgr := range all(m) {
		g.Go(func() error {
			mgr.Initialize(loadCtx)
			return mgr.AwaitUntilInitialized(gctx)
		})
	}
	return g.Wait()
}

// CloseManagers flushes pending debounced writes of every ready manager, then
// closes them all.
func CloseManagers(ctx context.Context, m v1.Managers) error {
	var errs []error
	for _, mgr := range all(m) {
		if mgr.IsReady() {
			if err := mgr.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := mgr.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
