// Package trace provides OpenTelemetry-backed spans with slog correlation.
// Span export is configured by platform/otel; without a provider the spans
// are no-ops and logging falls back to the default logger.
package trace

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/farepilot/farepilot"

// Span represents a timed operation within a trace.
type Span struct {
	span oteltrace.Span
}

// StartSpan begins a new span as a child of the span in ctx, if any.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, s := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{span: s}
}

// End marks the span as complete.
func (s *Span) End() {
	s.span.End()
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	switch v := val.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}

// RecordError marks the span failed and records the error.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Logger returns a slog.Logger annotated with the active trace and span ids.
func Logger(ctx context.Context) *slog.Logger {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
