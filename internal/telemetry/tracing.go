// Package telemetry configures OpenTelemetry tracing for the execution core.
//
// Spans cover the gated pipeline: one parent span per step with children for
// the policy and verification phases. Custom span attributes use the
// `custos.` prefix. Tracing is observability only — the noop provider is
// used when no endpoint is configured, and outcomes are identical either way.
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

const tracerName = "custos.run/core"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext gRPC; this explicit option takes precedence over OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("custos-core"),
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

// --- Span helpers ---

// StartStepSpan creates the parent span for one pipeline step.
func StartStepSpan(ctx context.Context, agentID, executionID string, step uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "custos.step",
		trace.WithAttributes(
			attribute.String("custos.agent", agentID),
			attribute.String("custos.execution_id", executionID),
			attribute.Int64("custos.step", int64(step)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndStepSpan enriches the step span with its outcome and ends it.
func EndStepSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("custos.outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartPolicySpan creates a child span for policy evaluation.
func StartPolicySpan(ctx context.Context, action, resource string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "custos.policy",
		trace.WithAttributes(
			attribute.String("custos.action", action),
			attribute.String("custos.resource", resource),
		),
	)
}

// EndPolicySpan enriches the policy span with the verdict and ends it.
func EndPolicySpan(span trace.Span, verdict string) {
	span.SetAttributes(attribute.String("custos.verdict", verdict))
	span.End()
}

// StartVerifySpan creates a child span for output verification.
func StartVerifySpan(ctx context.Context, schemaID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "custos.verify",
		trace.WithAttributes(
			attribute.String("custos.schema", schemaID),
		),
	)
}

// EndVerifySpan enriches the verify span with the result and ends it.
func EndVerifySpan(span trace.Span, passed bool, failures int) {
	span.SetAttributes(
		attribute.Bool("custos.verified", passed),
		attribute.Int("custos.verification_failures", failures),
	)
	span.End()
}
