// Package storage implements the record stores behind the domain repositories and
// a factory that opens them for the configured backend.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chanstate/database"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/repository"
)

// Factory opens the stores of one backend. All collections opened by a factory
// share its underlying resources (a bolt file or a connection pool).
type Factory interface {
	// Type returns the configured storage type.
	Type() string

	// Store opens the collection, creating it if needed.
	Store(ctx context.Context, collection string) (repository.Store, error)

	// Cleanup releases shared resources. Stores must not be used afterwards.
	Cleanup()
}

// FactoryOption configures NewFactory
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	tracer trace.Tracer
}

// WithTracer wraps every store in repository spans.
func WithTracer(tracer trace.Tracer) FactoryOption {
	return func(o *factoryOptions) {
		o.tracer = tracer
	}
}

// NewFactory returns the factory for cfg.Type. Postgres factories connect
// eagerly and apply migrations first when AutoMigrate is set.
func NewFactory(ctx context.Context, cfg *config.StorageConfig, opts ...FactoryOption) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage config cannot be nil")
	}
	o := &factoryOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var (
		f   Factory
		err error
	)
	switch cfg.Type {
	case config.StorageTypeMemory:
		f = &memoryFactory{stores: map[string]*MemoryStore{}}
	case config.StorageTypeFile:
		f = &fileFactory{dir: cfg.Path}
	case config.StorageTypeBolt:
		f, err = newBoltFactory(cfg.Path)
	case config.StorageTypePostgres:
		f, err = newPostgresFactory(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Storage factory created", "type", cfg.Type)
	if o.tracer != nil {
		return &tracedFactory{Factory: f, tracer: o.tracer}, nil
	}
	return f, nil
}

type memoryFactory struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

func (*memoryFactory) Type() string { return config.StorageTypeMemory }

// Store returns the same MemoryStore for repeated calls with one collection.
func (f *memoryFactory) Store(_ context.Context, collection string) (repository.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[collection]
	if !ok {
		s = NewMemoryStore(collection)
		f.stores[collection] = s
	}
	return s, nil
}

func (*memoryFactory) Cleanup() {}

type fileFactory struct {
	dir string
}

func (*fileFactory) Type() string { return config.StorageTypeFile }

func (f *fileFactory) Store(_ context.Context, collection string) (repository.Store, error) {
	return NewFileStore(f.dir, collection)
}

func (*fileFactory) Cleanup() {}

type boltFactory struct {
	db *BoltDB
}

func newBoltFactory(path string) (*boltFactory, error) {
	db, err := OpenBolt(path)
	if err != nil {
		return nil, err
	}
	return &boltFactory{db: db}, nil
}

func (*boltFactory) Type() string { return config.StorageTypeBolt }

func (f *boltFactory) Store(_ context.Context, collection string) (repository.Store, error) {
	return f.db.Store(collection)
}

func (f *boltFactory) Cleanup() {
	if err := f.db.Close(); err != nil {
		slog.Error("Failed to close bolt database", "error", err)
	}
}

type postgresFactory struct {
	pool *pgxpool.Pool
}

func newPostgresFactory(ctx context.Context, cfg *config.StorageConfig) (*postgresFactory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required for postgres storage")
	}

	if cfg.AutoMigrate {
		connStr, err := cfg.Database.GetConnectionString()
		if err != nil {
			return nil, err
		}
		slog.Info("Applying database migrations", "database", cfg.Database.Redacted())
		if err := database.MigrateUp(connStr, 0); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	pool, err := buildConnectionPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &postgresFactory{pool: pool}, nil
}

func (*postgresFactory) Type() string { return config.StorageTypePostgres }

func (f *postgresFactory) Store(_ context.Context, collection string) (repository.Store, error) {
	return NewPostgresStore(f.pool, collection), nil
}

func (f *postgresFactory) Cleanup() {
	slog.Info("Closing database connection pool")
	f.pool.Close()
}
