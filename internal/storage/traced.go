package storage

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/chanstate/internal/otel"
	"github.com/stacklok/chanstate/internal/repository"
)

type tracedFactory struct {
	Factory
	tracer trace.Tracer
}

func (f *tracedFactory) Store(ctx context.Context, collection string) (repository.Store, error) {
	s, err := f.Factory.Store(ctx, collection)
	if err != nil {
		return nil, err
	}
	return &tracedStore{Store: s, tracer: f.tracer}, nil
}

// tracedStore records one client span per store call.
type tracedStore struct {
	repository.Store
	tracer trace.Tracer
}

func (s *tracedStore) start(ctx context.Context, op string, n int) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.tracer, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			otel.AttrCollection.String(s.Collection()),
			otel.AttrOperation.String(op),
			otel.AttrEntityCount.Int(n),
		),
	)
}

func (s *tracedStore) LoadAll(ctx context.Context) ([]repository.Record, error) {
	ctx, span := s.start(ctx, "LoadAll", 0)
	defer span.End()
	records, err := s.Store.LoadAll(ctx)
	otel.RecordError(span, err)
	span.SetAttributes(otel.AttrEntityCount.Int(len(records)))
	return records, err
}

func (s *tracedStore) Create(ctx context.Context, key string, payload []byte) (int64, error) {
	ctx, span := s.start(ctx, "Create", 1)
	defer span.End()
	id, err := s.Store.Create(ctx, key, payload)
	otel.RecordError(span, err)
	return id, err
}

func (s *tracedStore) Update(ctx context.Context, records []repository.Record) (int, error) {
	ctx, span := s.start(ctx, "Update", len(records))
	defer span.End()
	n, err := s.Store.Update(ctx, records)
	otel.RecordError(span, err)
	return n, err
}

func (s *tracedStore) Delete(ctx context.Context, keys []string) (int, error) {
	ctx, span := s.start(ctx, "Delete", len(keys))
	defer span.End()
	n, err := s.Store.Delete(ctx, keys)
	otel.RecordError(span, err)
	return n, err
}

func (s *tracedStore) DeleteAll(ctx context.Context) error {
	ctx, span := s.start(ctx, "DeleteAll", 0)
	defer span.End()
	err := s.Store.DeleteAll(ctx)
	otel.RecordError(span, err)
	return err
}
