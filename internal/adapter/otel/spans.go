package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hivegrid"

// StartDispatchSpan starts a span covering one task dispatch to an agent.
func StartDispatchSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartResolveSpan starts a span covering one conflict resolution attempt.
func StartResolveSpan(ctx context.Context, conflictID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "resolve",
		trace.WithAttributes(
			attribute.String("conflict.id", conflictID),
			attribute.String("conflict.strategy", strategy),
		),
	)
}
