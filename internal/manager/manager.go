// Package manager implements the synchronized domain cache shared by every entity
// manager: an in-memory cache loaded once from a repository behind an
// initialization barrier, mutated under a single lock, persisted in submission
// order with rollback on failure, and observed through a change bus that only
// carries durable changes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chanstate/internal/cache"
	"github.com/stacklok/chanstate/internal/changebus"
	"github.com/stacklok/chanstate/internal/debounce"
	"github.com/stacklok/chanstate/internal/initbarrier"
	"github.com/stacklok/chanstate/internal/otel"
	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/telemetry"
)

// Manager owns the cache of one entity type.
type Manager[K comparable, V any] struct {
	name      string
	repo      repository.Repository[K, V]
	key       func(V) K
	partition func(K) string
	merge     func(old, incoming V) V
	equal     func(a, b V) bool
	clone     func(V) V
	setID     func(V, int64) V
	id        func(V) int64
	order     *OrderIndex[V]

	mode     Mode
	debounce time.Duration

	state   atomic.Int32
	closed  atomic.Bool
	barrier *initbarrier.Barrier[struct{}]

	cache     *cache.Cache[K, V]
	bus       *changebus.Bus[Event[K]]
	debouncer *debounce.Debouncer
	serial    *debounce.Serial

	// dirty maps keys changed by UpdateDebounced or Move to their last durable
	// value. Guarded by the cache write lock.
	dirty map[K]V

	// survivors maps keys whose delete failed after a later create of the same
	// key was already queued to the row that is still stored. Guarded by the
	// cache write lock.
	survivors map[K]V

	logger  *slog.Logger
	metrics *telemetry.ManagerMetrics
	tracer  trace.Tracer
}

// New creates a manager in the Uninitialized state.
func New[K comparable, V any](cfg Config[K, V], opts ...Option) (*Manager[K, V], error) {
	if cfg.Name == "" {
		return nil, errors.New("manager name is required")
	}
	if cfg.Repository == nil {
		return nil, fmt.Errorf("%s: repository is required", cfg.Name)
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("%s: key function is required", cfg.Name)
	}
	if cfg.Order != nil && (cfg.Order.Get == nil || cfg.Order.Set == nil) {
		return nil, fmt.Errorf("%s: order index needs both Get and Set", cfg.Name)
	}

	o := options{
		logger:   slog.Default(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("manager", cfg.Name)

	m := &Manager[K, V]{
		name:      cfg.Name,
		repo:      cfg.Repository,
		key:       cfg.Key,
		partition: cfg.Partition,
		merge:     cfg.Merge,
		equal:     cfg.Equal,
		clone:     cfg.Clone,
		setID:     cfg.SetID,
		id:        cfg.ID,
		order:     cfg.Order,
		mode:      o.mode,
		debounce:  o.debounce,
		barrier:   initbarrier.New[struct{}](),
		dirty:     make(map[K]V),
		survivors: make(map[K]V),
		logger:    logger,
		metrics:   o.metrics,
		tracer:    o.tracer,
	}
	if m.equal == nil {
		m.equal = func(a, b V) bool { return cmp.Equal(a, b) }
	}
	if m.clone == nil {
		m.clone = func(v V) V { return v }
	}

	cacheOpts := []cache.Option[K, V]{cache.WithOrder[K, V]()}
	if cfg.Partition != nil {
		cacheOpts = append(cacheOpts, cache.WithPartition[K, V](cfg.Partition))
	}
	m.cache = cache.New(cacheOpts...)

	busOpts := append([]changebus.Option{
		changebus.WithLogger(logger),
		changebus.WithDropHook(func() { m.metrics.RecordDropped(context.Background(), m.name) }),
	}, o.bus...)
	m.bus = changebus.New[Event[K]](busOpts...)

	m.debouncer = debounce.New(context.Background(), logger)
	m.serial = debounce.NewSerial(context.Background(), logger)

	return m, nil
}

// Name returns the manager name.
func (m *Manager[K, V]) Name() string {
	return m.name
}

// State returns the lifecycle state.
func (m *Manager[K, V]) State() State {
	return State(m.state.Load())
}

// IsReady reports whether the initial load succeeded.
func (m *Manager[K, V]) IsReady() bool {
	return m.State() == Ready
}

// Initialize starts the initial load in the background. Only the first call has
// any effect. The load runs under ctx; cancelling it fails the manager.
func (m *Manager[K, V]) Initialize(ctx context.Context) {
	if !m.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		return
	}
	go m.load(ctx)
}

// AwaitUntilInitialized blocks until the initial load finished and returns its
// error. It returns immediately once resolved.
func (m *Manager[K, V]) AwaitUntilInitialized(ctx context.Context) error {
	_, err := m.barrier.Await(ctx)
	return err
}

// RunWhenInitialized calls cb once the initial load finished, with its error.
func (m *Manager[K, V]) RunWhenInitialized(cb func(error)) {
	m.barrier.RunWhenInitialized(func(_ struct{}, err error) { cb(err) })
}

func (m *Manager[K, V]) load(ctx context.Context) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "manager.initialize",
		trace.WithAttributes(otel.AttrManager.String(m.name)),
	)
	defer span.End()

	start := time.Now()
	values, err := m.repo.LoadAll(ctx)
	m.metrics.RecordInit(ctx, m.name, time.Since(start), err)
	if err != nil {
		otel.RecordError(span, err)
		m.logger.ErrorContext(ctx, "Initial load failed", "error", err)
		m.state.Store(int32(Failed))
		m.barrier.InitWithError(fmt.Errorf("%s: initial load failed: %w", m.name, err))
		return
	}

	n := 0
	m.cache.Write(func(tx *cache.Tx[K, V]) {
		for _, v := range values {
			tx.Put(m.key(v), v)
		}
		if m.order != nil {
			tx.SortWithin(nil, m.compareOrder)
		}
		n = tx.Len()
	})
	span.SetAttributes(otel.AttrEntityCount.Int(n))

	m.state.Store(int32(Ready))
	m.barrier.InitWithValue(struct{}{})
	m.publish(ctx, Initialized, nil)

	m.logger.InfoContext(ctx, "Manager initialized",
		"entities", n,
		"duration", time.Since(start),
	)
}

// Flush persists pending debounced changes now and waits until everything
// submitted before the call is durable (or rolled back).
func (m *Manager[K, V]) Flush(ctx context.Context) error {
	if m.closed.Load() {
		return nil
	}
	m.requireReady("Flush")

	if err := m.debouncer.Flush(ctx, m.name, nil); err != nil && !errors.Is(err, debounce.ErrClosed) {
		return fmt.Errorf("%s: flush failed: %w", m.name, err)
	}
	return m.serial.Drain(ctx)
}

// Close flushes pending debounced changes, waits for queued persistence and
// closes every subscription. Mutations after Close panic with ErrClosed; reads
// keep working.
func (m *Manager[K, V]) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Every mutation checks closed under the write lock, so after this no new
	// work reaches the executors.
	m.cache.Write(func(*cache.Tx[K, V]) {})

	err := m.debouncer.FlushAll(ctx)
	m.debouncer.Close()
	m.serial.Close()
	m.bus.Close()

	if err != nil {
		return fmt.Errorf("%s: close: %w", m.name, err)
	}
	m.logger.Info("Manager closed")
	return nil
}

// ListenForChanges subscribes to durable change events. The subscription ends when
// ctx is done, when it is closed, or when the manager is closed.
func (m *Manager[K, V]) ListenForChanges(ctx context.Context) *changebus.Subscription[Event[K]] {
	return m.bus.Subscribe(ctx)
}

// DroppedEvents returns the number of events lost to full subscriber queues.
func (m *Manager[K, V]) DroppedEvents() uint64 {
	return m.bus.Dropped()
}

// CheckConsistency verifies the cache's order list and partition index.
func (m *Manager[K, V]) CheckConsistency() error {
	return m.cache.CheckConsistency()
}

func (m *Manager[K, V]) requireReady(op string) {
	if s := m.State(); s != Ready {
		panic(fmt.Errorf("%s.%s called while %s: %w", m.name, op, s, ErrNotReady))
	}
}

func (m *Manager[K, V]) requireOpen(op string) {
	if m.closed.Load() {
		panic(fmt.Errorf("%s.%s: %w", m.name, op, ErrClosed))
	}
}

func (m *Manager[K, V]) modeOf(modes []Mode) Mode {
	if len(modes) > 0 {
		return modes[len(modes)-1]
	}
	return m.mode
}

func (m *Manager[K, V]) publish(ctx context.Context, kind Kind, keys []K) {
	m.bus.Publish(Event[K]{Kind: kind, Keys: slices.Clone(keys)})
	m.metrics.RecordEvent(ctx, m.name, kind.String())
	m.metrics.RecordEntities(ctx, m.name, m.cache.Len())
}

func (m *Manager[K, V]) partitionOf(k K) string {
	if m.partition == nil {
		return ""
	}
	return m.partition(k)
}

func (m *Manager[K, V]) compareOrder(a, b V) int {
	return m.order.Get(a) - m.order.Get(b)
}
