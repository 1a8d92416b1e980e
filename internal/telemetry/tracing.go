// Package telemetry configures OpenTelemetry tracing for the responder engine.
//
// Span hierarchy: responder.execution wraps the whole run; responder.step,
// responder.adapter.call, and responder.approval.wait nest inside it.
// Custom span attributes use the `responder.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "detectforge.io/responder"

// Tracer hands out the responder tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs a trace provider exporting to the OTLP gRPC
// endpoint and returns its shutdown hook. An empty endpoint leaves the
// global noop provider in place, so instrumented code pays nothing.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		// The config carries no TLS material; the exporter dials plaintext.
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("responder"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartExecutionSpan creates the parent span for one runbook execution.
func StartExecutionSpan(ctx context.Context, executionID, runbookID, mode, level string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "responder.execution",
		trace.WithAttributes(
			attribute.String("responder.execution_id", executionID),
			attribute.String("responder.runbook_id", runbookID),
			attribute.String("responder.mode", mode),
			attribute.String("responder.level", level),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecutionSpan enriches the execution span with the terminal state.
func EndExecutionSpan(span trace.Span, state string, steps int) {
	span.SetAttributes(
		attribute.String("responder.state", state),
		attribute.Int("responder.steps", steps),
	)
	span.End()
}

// StartStepSpan creates a child span for one step.
func StartStepSpan(ctx context.Context, stepID, action, executor string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "responder.step",
		trace.WithAttributes(
			attribute.String("responder.step_id", stepID),
			attribute.String("responder.action", action),
			attribute.String("responder.executor", executor),
		),
	)
}

// EndStepSpan enriches the step span with outcome data.
func EndStepSpan(span trace.Span, success, skipped bool, attempts int, errCode string) {
	span.SetAttributes(
		attribute.Bool("responder.success", success),
		attribute.Bool("responder.skipped", skipped),
		attribute.Int("responder.attempts", attempts),
	)
	if errCode != "" {
		span.SetAttributes(attribute.String("responder.error_code", errCode))
	}
	span.End()
}

// StartAdapterCallSpan creates a child span for one adapter dispatch.
func StartAdapterCallSpan(ctx context.Context, adapter, action, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "responder.adapter.call",
		trace.WithAttributes(
			attribute.String("responder.adapter", adapter),
			attribute.String("responder.action", action),
			attribute.String("responder.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartApprovalWaitSpan covers the time an execution is gated on a human.
func StartApprovalWaitSpan(ctx context.Context, requestID, stepID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "responder.approval.wait",
		trace.WithAttributes(
			attribute.String("responder.request_id", requestID),
			attribute.String("responder.step_id", stepID),
		),
	)
}

// EndApprovalWaitSpan records the decision on the wait span.
func EndApprovalWaitSpan(span trace.Span, status, approver string) {
	span.SetAttributes(
		attribute.String("responder.approval_status", status),
	)
	if approver != "" {
		span.SetAttributes(attribute.String("responder.approver", approver))
	}
	span.End()
}
