/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the capability
// enforcement core.
//
// Custom span attributes use the `capcore.` prefix.
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

const (
	tracerName = "github.com/anumate/capcore"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // always plaintext; overrides OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("captokenserver"),
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

// StartTokenSpan creates a span for a capability-token lifecycle operation
// (issue/verify/revoke/refresh/cleanup).
func StartTokenSpan(ctx context.Context, op, tenant string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "capcore.token."+op,
		trace.WithAttributes(
			attribute.String("capcore.tenant", tenant),
			attribute.String("capcore.operation", op),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndTokenSpan closes a token span with its outcome.
func EndTokenSpan(span trace.Span, success bool, errMsg string) {
	span.SetAttributes(attribute.Bool("capcore.success", success))
	if !success && errMsg != "" {
		span.SetAttributes(attribute.String("capcore.error", errMsg))
	}
	span.End()
}

// StartCapabilityCheckSpan creates a span for a tool allow-list rule check.
func StartCapabilityCheckSpan(ctx context.Context, tenant, tool, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "capcore.capability.check",
		trace.WithAttributes(
			attribute.String("capcore.tenant", tenant),
			attribute.String("capcore.tool", tool),
			attribute.String("capcore.action", action),
		),
	)
}

// EndCapabilityCheckSpan enriches the check span with the decision.
func EndCapabilityCheckSpan(span trace.Span, allowed bool, matchedRules int) {
	span.SetAttributes(
		attribute.Bool("capcore.allowed", allowed),
		attribute.Int("capcore.matched_rules", matchedRules),
	)
	span.End()
}

// StartPlanCompileSpan creates a span for plan compilation.
func StartPlanCompileSpan(ctx context.Context, tenant, planHash string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "capcore.plan.compile",
		trace.WithAttributes(
			attribute.String("capcore.tenant", tenant),
			attribute.String("capcore.plan_hash", planHash),
		),
	)
}

// EndPlanCompileSpan enriches the compile span with the compiler's result.
func EndPlanCompileSpan(span trace.Span, success bool, stepCount int) {
	span.SetAttributes(
		attribute.Bool("capcore.success", success),
		attribute.Int("capcore.step_count", stepCount),
	)
	span.End()
}

// StartOrchestratorRunSpan creates the parent span for an orchestrator
// execute request.
func StartOrchestratorRunSpan(ctx context.Context, tenant, engineName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "capcore.orchestrator.execute",
		trace.WithAttributes(
			attribute.String("capcore.tenant", tenant),
			attribute.String("capcore.engine", engineName),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndOrchestratorRunSpan closes the run span with its terminal status.
func EndOrchestratorRunSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("capcore.status", status))
	span.End()
}
