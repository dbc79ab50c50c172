// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry TracerProvider with the span helpers the
// Workflow Engine, Agent Runtime, and Tool Router use (spec §4.9/SPEC_FULL
// §3a: "workflow.agent.step" and "tool.invoke" spans).
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// TracerOption configures NewTracer.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter for local
// inspection, in addition to the configured remote exporter.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debugExporter = d }
}

// WithCapturePayloads enables attaching full tool request/response payloads
// to spans. Produces larger spans; intended for debugging only.
func WithCapturePayloads(enabled bool) TracerOption {
	return func(t *Tracer) { t.capturePayloads = enabled }
}

// NewTracer builds a Tracer from cfg, exporting to OTLP/stdout depending on
// cfg.Exporter, and registers it as the process-wide TracerProvider.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	}
	if t.debugExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(t.debugExporter))
	}

	provider := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)

	t.provider = provider
	t.tracer = provider.Tracer(DefaultServiceName)
	return t, nil
}

func newSpanExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.IsInsecure() {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// Start begins a generic span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentStep begins a "workflow.agent.step" span (spec §4.2's
// AgentLogic.Step loop).
func (t *Tracer) StartAgentStep(ctx context.Context, runID, taskID, agentName string, phase string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanWorkflowAgentStep, trace.WithAttributes(
		attribute.String(AttrRunID, runID),
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrAgentName, agentName),
		attribute.String(AttrPhase, phase),
	))
}

// StartToolInvoke begins a "tool.invoke" span (spec §4.3 Tool Router).
func (t *Tracer) StartToolInvoke(ctx context.Context, toolID, op string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolInvoke, trace.WithAttributes(
		attribute.String(AttrToolID, toolID),
		attribute.String(AttrToolOp, op),
	))
}

// AddPayload attaches a request/response payload to span if payload capture
// is enabled; otherwise it is a no-op to avoid bloating spans by default.
func (t *Tracer) AddPayload(span trace.Span, key, payload string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(attribute.String(key, truncateString(payload, 4096)))
}

// RecordError records err on span and marks it failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, err.Error()))
}

// DebugExporter returns the in-memory debug span exporter, or nil if none
// was configured.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// noopSpan returns a no-op span that satisfies the trace.Span interface.
func noopSpan() trace.Span {
	_, span := trace.NewNoopTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
