// Package telemetry wires OpenTelemetry spans and metric instruments into the
// step loop. With no SDK installed the global providers are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentoverseer/overseer"

// StartStepSpan starts a span for one loop iteration.
func StartStepSpan(ctx context.Context, taskID string, step int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("step.sequence", step),
		),
	)
}

// StartReasonerSpan starts a span for a reasoner call.
func StartReasonerSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reasoner.call",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("reasoner.attempt", attempt),
		),
	)
}

// StartToolSpan starts a span for a tool execution.
func StartToolSpan(ctx context.Context, taskID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("tool.name", tool),
		),
	)
}

// StartHumanWaitSpan starts a span covering a human-gate wait.
func StartHumanWaitSpan(ctx context.Context, taskID, requestID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "humangate.wait",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("request.id", requestID),
		),
	)
}
