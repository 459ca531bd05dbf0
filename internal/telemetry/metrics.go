package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ManagerMetricsMeterName is the instrumentation scope of the domain managers
const ManagerMetricsMeterName = "github.com/stacklok/chanstate/manager"

// Outcomes of a mutation
const (
	OutcomePersisted  = "persisted"
	OutcomeNoop       = "noop"
	OutcomeRolledBack = "rolled_back"
)

// Outcomes of a repository call
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ManagerMetrics holds the instruments shared by every domain manager. The
// manager name is an attribute. A nil *ManagerMetrics records nothing.
type ManagerMetrics struct {
	mutations       metric.Int64Counter
	persistDuration metric.Float64Histogram
	rollbacks       metric.Int64Counter
	events          metric.Int64Counter
	droppedEvents   metric.Int64Counter
	entities        metric.Int64Gauge
	initDuration    metric.Float64Histogram
}

// NewManagerMetrics creates the manager instruments.
// If provider is nil, it returns nil (no-op metrics).
func NewManagerMetrics(provider metric.MeterProvider) (*ManagerMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(ManagerMetricsMeterName)

	mutations, err := meter.Int64Counter(
		"chanstate_manager_mutations_total",
		metric.WithDescription("Mutations by manager, operation and outcome"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}
	persistDuration, err := meter.Float64Histogram(
		"chanstate_manager_persist_duration_seconds",
		metric.WithDescription("Duration of repository calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}
	rollbacks, err := meter.Int64Counter(
		"chanstate_manager_rollbacks_total",
		metric.WithDescription("Cache mutations reverted after a failed persist"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter(
		"chanstate_manager_events_total",
		metric.WithDescription("Change events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	droppedEvents, err := meter.Int64Counter(
		"chanstate_manager_dropped_events_total",
		metric.WithDescription("Change events discarded by a subscriber overflow policy"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	entities, err := meter.Int64Gauge(
		"chanstate_manager_entities",
		metric.WithDescription("Entities currently cached"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}
	initDuration, err := meter.Float64Histogram(
		"chanstate_manager_init_duration_seconds",
		metric.WithDescription("Duration of the initial load in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &ManagerMetrics{
		mutations:       mutations,
		persistDuration: persistDuration,
		rollbacks:       rollbacks,
		events:          events,
		droppedEvents:   droppedEvents,
		entities:        entities,
		initDuration:    initDuration,
	}, nil
}

// RecordMutation counts a mutation with its outcome: persisted, noop or rolled_back.
func (m *ManagerMetrics) RecordMutation(ctx context.Context, manager, op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

// RecordPersist records the latency of one repository round trip.
func (m *ManagerMetrics) RecordPersist(ctx context.Context, manager, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.persistDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

// RecordRollback counts a reverted cache mutation.
func (m *ManagerMetrics) RecordRollback(ctx context.Context, manager, op string) {
	if m == nil {
		return
	}
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("operation", op),
	))
}

// RecordEvent counts a published change event.
func (m *ManagerMetrics) RecordEvent(ctx context.Context, manager, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("kind", kind),
	))
}

// RecordDropped counts an event lost to a full subscriber queue.
func (m *ManagerMetrics) RecordDropped(ctx context.Context, manager string) {
	if m == nil {
		return
	}
	m.droppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("manager", manager)))
}

// RecordEntities records the current cache size.
func (m *ManagerMetrics) RecordEntities(ctx context.Context, manager string, n int) {
	if m == nil {
		return
	}
	m.entities.Record(ctx, int64(n), metric.WithAttributes(attribute.String("manager", manager)))
}

// RecordInit records how long the initial load took and whether it failed.
func (m *ManagerMetrics) RecordInit(ctx context.Context, manager string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.initDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("outcome", outcome),
	))
}
