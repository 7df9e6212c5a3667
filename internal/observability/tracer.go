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
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig configures stage-pipeline tracing (SPEC_FULL.md §10:
// "every stage transition becomes a span"), grounded on
// pkg/observability/tracer.go (no license header, confirmed via the
// survey) narrowed to this module's single concern: OTLP export for
// production, stdout export for local development, noop when disabled.
type TracerConfig struct {
	Enabled      bool
	ExporterType string // "otlp" or "stdout"
	EndpointURL  string
	SamplingRate float64
	ServiceName  string
}

// InitTracerProvider builds and installs the global TracerProvider per
// cfg, returning it so callers can Shutdown it on exit.
func InitTracerProvider(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.ExporterType {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.EndpointURL),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: failed to build resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StageTracer wraps the global tracer to span one stage transition at a
// time, called from stagemachine.Machine.Run so every hop through the
// canonical stage graph (interpretation -> validator_a -> ... ->
// registry_update) is a child span under the workflow's trace.
type StageTracer struct {
	tracer trace.Tracer
}

// NewStageTracer builds a StageTracer against the globally installed
// TracerProvider.
func NewStageTracer() *StageTracer {
	return &StageTracer{tracer: otel.Tracer("orchestrator/stagemachine")}
}

// StartStage opens a span named after stage, tagged with the workflow and
// trace identifiers already threaded through rtctx.RuntimeContext. The
// returned func ends the span; callers defer it.
func (s *StageTracer) StartStage(ctx context.Context, stage, workflowID, traceID string) (context.Context, func()) {
	spanCtx, span := s.tracer.Start(ctx, stage,
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("trace_id", traceID),
			attribute.String("stage", stage),
		),
	)
	return spanCtx, func() { span.End() }
}
