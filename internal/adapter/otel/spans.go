package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "forgesync"

// StartChangeSpan starts a span covering the routing of one change event.
func StartChangeSpan(ctx context.Context, entity, entityID, origin string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "change",
		trace.WithAttributes(
			attribute.String("change.entity", entity),
			attribute.String("change.entity_id", entityID),
			attribute.String("change.origin", origin),
		),
	)
}

// StartCascadeSpan starts a span for one cascade recalculation.
func StartCascadeSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "cascade",
		trace.WithAttributes(
			attribute.String("cascade.entity", key),
		),
	)
}

// StartFlushSpan starts a span for one batch flush.
func StartFlushSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "batch.flush",
		trace.WithAttributes(
			attribute.Int("batch.size", size),
		),
	)
}

// StartBroadcastSpan starts a span for one hub broadcast.
func StartBroadcastSpan(ctx context.Context, envType, envID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "broadcast",
		trace.WithAttributes(
			attribute.String("envelope.type", envType),
			attribute.String("envelope.id", envID),
		),
	)
}
