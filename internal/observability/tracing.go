package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans.
const tracerName = "github.com/execplane/execplane"

// Tracer returns the module's tracer. Without an installed provider this is
// a no-op; deployments wire a real provider at startup.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartToolSpan opens a span for one tool invocation.
func StartToolSpan(ctx context.Context, toolPath, taskID, callID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.path", toolPath),
			attribute.String("task.id", taskID),
			attribute.String("call.id", callID),
		))
}

// EndSpan records the outcome and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
