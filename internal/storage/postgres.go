package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/repository"
)

const (
	uniqueViolation = "23505"

	defaultConnectTimeout = 30 * time.Second
)

// PostgresStore keeps one collection in the shared entities table.
type PostgresStore struct {
	pool       *pgxpool.Pool
	collection string
}

var _ repository.Store = (*PostgresStore)(nil)

// NewPostgresStore returns the store for collection.
func NewPostgresStore(pool *pgxpool.Pool, collection string) *PostgresStore {
	return &PostgresStore{pool: pool, collection: collection}
}

// Collection returns the collection name.
func (s *PostgresStore) Collection() string {
	return s.collection
}

// LoadAll returns every row of the collection ordered by id.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]repository.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_key, payload FROM entities WHERE collection = $1 ORDER BY id`,
		s.collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.collection, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (repository.Record, error) {
		var r repository.Record
		err := row.Scan(&r.ID, &r.Key, &r.Payload)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.collection, err)
	}
	return records, nil
}

// Create inserts a row and returns its id.
func (s *PostgresStore) Create(ctx context.Context, key string, payload []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO entities (collection, entity_key, payload) VALUES ($1, $2, $3) RETURNING id`,
		s.collection, key, payload,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%s %q: %w", s.collection, key, repository.ErrConflict)
		}
		return 0, fmt.Errorf("failed to insert into %s: %w", s.collection, err)
	}
	return id, nil
}

// Update replaces payloads in a single transaction.
func (s *PostgresStore) Update(ctx context.Context, records []repository.Record) (int, error) {
	n := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(
				`UPDATE entities SET payload = $3, updated_at = now() WHERE collection = $1 AND entity_key = $2`,
				s.collection, r.Key, r.Payload,
			).Exec(func(tag pgconn.CommandTag) error {
				n += int(tag.RowsAffected())
				return nil
			})
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", s.collection, err)
	}
	return n, nil
}

// Delete removes rows by key.
func (s *PostgresStore) Delete(ctx context.Context, keys []string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entities WHERE collection = $1 AND entity_key = ANY($2)`,
		s.collection, keys,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", s.collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAll removes every row of the collection.
func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE collection = $1`, s.collection); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.collection, err)
	}
	return nil
}

// buildConnectionPool creates a pool from the database config and waits, with
// exponential backoff, until the server answers a ping.
func buildConnectionPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(defaultConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Database not reachable yet", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database did not become reachable: %w", err)
	}

	slog.Info("Database connection pool created successfully",
		"host", cfg.Host,
		"database", cfg.Database,
	)
	return pool, nil
}
