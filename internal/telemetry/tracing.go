// Package telemetry configures OpenTelemetry tracing for the backend.
//
// Span names follow the subsystem they instrument: sched.dispatch,
// sched.predicate, attention.route, gen_ai.chat. Custom attributes use
// the `adjutant.` prefix; LLM spans follow the OTel GenAI conventions.
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

const tracerName = "adjutant.dev/backend"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("adjutant-backend"),
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

// StartDispatchSpan creates the parent span for one execution dispatch.
func StartDispatchSpan(ctx context.Context, scheduleID int64, traceID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sched.dispatch",
		trace.WithAttributes(
			attribute.Int64("adjutant.schedule_id", scheduleID),
			attribute.String("adjutant.trace_id", traceID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartEvaluationSpan creates a span for a predicate evaluation.
func StartEvaluationSpan(ctx context.Context, scheduleID int64, evaluationID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sched.predicate",
		trace.WithAttributes(
			attribute.Int64("adjutant.schedule_id", scheduleID),
			attribute.String("adjutant.evaluation_id", evaluationID),
		),
	)
}

// StartRouteSpan creates a span covering the full routing pipeline for one
// outbound signal.
func StartRouteSpan(ctx context.Context, signalType, owner string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "attention.route",
		trace.WithAttributes(
			attribute.String("adjutant.signal_type", signalType),
			attribute.String("adjutant.owner", owner),
		),
	)
}

// EndRouteSpan enriches the routing span with the final decision.
func EndRouteSpan(span trace.Span, decision, channel string) {
	span.SetAttributes(
		attribute.String("adjutant.decision", decision),
		attribute.String("adjutant.channel", channel),
	)
	span.End()
}

// StartLLMCallSpan creates a child span for an LLM call, following GenAI conventions.
func StartLLMCallSpan(ctx context.Context, model, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMCallSpan enriches the LLM span with usage data.
func EndLLMCallSpan(span trace.Span, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
	)
	span.End()
}
