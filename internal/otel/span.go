// Package otel holds span helpers shared by the managers and the storage layer.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on manager and repository spans.
const (
	AttrManager     = attribute.Key("chanstate.manager")
	AttrOperation   = attribute.Key("chanstate.operation")
	AttrCollection  = attribute.Key("chanstate.collection")
	AttrEntityCount = attribute.Key("chanstate.entity_count")
	AttrPersistence = attribute.Key("chanstate.persistence")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when
// tracer is nil.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. The status description stays generic so
// keys and connection strings only appear in the exception event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
