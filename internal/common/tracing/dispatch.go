package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const dispatchTracerName = "overseer-dispatch"

func dispatchTracer() trace.Tracer {
	return Tracer(dispatchTracerName)
}

// TraceMissionDispatch creates a span for delivering a claimed mission to an agent.
func TraceMissionDispatch(ctx context.Context, missionID, executionID string, agentID int64) (context.Context, trace.Span) {
	ctx, span := dispatchTracer().Start(ctx, "dispatch.mission",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("mission_id", missionID),
		attribute.String("execution_id", executionID),
		attribute.Int64("agent_id", agentID),
	)
	return ctx, span
}

// TraceLLMCall creates a span for an external LLM call.
func TraceLLMCall(ctx context.Context, provider, model, purpose string) (context.Context, trace.Span) {
	ctx, span := dispatchTracer().Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("purpose", purpose),
	)
	return ctx, span
}

// TraceResult records an operation result on its span.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
