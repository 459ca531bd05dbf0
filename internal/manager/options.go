package manager

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chanstate/internal/changebus"
	"github.com/stacklok/chanstate/internal/repository"
	"github.com/stacklok/chanstate/internal/telemetry"
)

// DefaultDebounce is the coalescing window of UpdateDebounced and Move.
const DefaultDebounce = 250 * time.Millisecond

// Config describes the entity type a Manager serves. Name, Repository and Key are
// required.
type Config[K comparable, V any] struct {
	// Name identifies the manager in logs, metrics and panics.
	Name string

	Repository repository.Repository[K, V]

	// Key extracts the cache key of an entity. Keys never change.
	Key func(V) K

	// Partition maintains a secondary index by outer key (site, thread).
	Partition func(K) string

	// Merge combines a cached entity with an incoming one in Put. nil replaces.
	Merge func(old, incoming V) V

	// Equal detects no-op mutations. Defaults to cmp.Equal.
	Equal func(a, b V) bool

	// Clone returns a copy safe to mutate. Required when V holds maps or slices
	// that mutators change in place.
	Clone func(V) V

	// SetID stores the repository id into a freshly created entity.
	SetID func(V, int64) V

	// ID reads the repository id back. With SetID it lets a create that
	// overwrites a surviving row keep that row's id.
	ID func(V) int64

	// Order persists the position of each entity within its partition.
	Order *OrderIndex[V]
}

// OrderIndex reads and writes the persisted position field of an entity.
type OrderIndex[V any] struct {
	Get func(V) int
	Set func(V, int) V
}

// Option configures the runtime behaviour of a Manager.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *telemetry.ManagerMetrics
	tracer   trace.Tracer
	mode     Mode
	debounce time.Duration
	bus      []changebus.Option
}

// WithLogger sets the logger. The manager adds a manager=<name> attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records mutation, persistence and event metrics.
func WithMetrics(metrics *telemetry.ManagerMetrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithTracer wraps initialization and persistence in spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithPersistence sets the default Mode of mutations. Individual calls may override it.
func WithPersistence(mode Mode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithDebounce sets the coalescing window of UpdateDebounced and Move.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithBusOptions configures the change bus.
func WithBusOptions(opts ...changebus.Option) Option {
	return func(o *options) {
		o.bus = append(o.bus, opts...)
	}
}
