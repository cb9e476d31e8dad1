package trace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// installRecorder swaps in an in-memory tracer provider for the test.
func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestStartSpanRecords(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "score_offer")
	span.SetAttr("platform", "uber")
	span.SetAttr("score", 72)
	span.End()

	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("context should carry a valid span context")
	}

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Name() != "score_offer" {
		t.Errorf("expected span name score_offer, got %q", ended[0].Name())
	}

	attrs := make(map[string]string)
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["platform"] != "uber" {
		t.Errorf("expected platform attr uber, got %q", attrs["platform"])
	}
	if attrs["score"] != "72" {
		t.Errorf("expected score attr 72, got %q", attrs["score"])
	}
}

func TestRecordError(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartSpan(context.Background(), "flush")
	span.RecordError(fmt.Errorf("database is locked"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected an error event on the span")
	}
}

func TestLoggerWithoutSpan(t *testing.T) {
	// No span in context: Logger must not panic and return a usable logger.
	log := Logger(context.Background())
	if log == nil {
		t.Fatal("Logger returned nil")
	}
}

func TestLoggerWithSpan(t *testing.T) {
	installRecorder(t)

	ctx, span := StartSpan(context.Background(), "parent")
	defer span.End()

	log := Logger(ctx)
	if log == nil {
		t.Fatal("Logger returned nil")
	}
}

func TestMiddlewareOpensSpan(t *testing.T) {
	recorder := installRecorder(t)

	var sawValid bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawValid = oteltrace.SpanContextFromContext(r.Context()).IsValid()
	})

	req := httptest.NewRequest("GET", "/api/demand", nil)
	rec := httptest.NewRecorder()
	Middleware(inner).ServeHTTP(rec, req)

	if !sawValid {
		t.Error("handler should see a valid span context")
	}
	if len(recorder.Ended()) != 1 {
		t.Fatalf("expected 1 server span, got %d", len(recorder.Ended()))
	}
	if recorder.Ended()[0].Name() != "GET /api/demand" {
		t.Errorf("unexpected span name %q", recorder.Ended()[0].Name())
	}
}

func TestMiddlewarePropagatesParent(t *testing.T) {
	recorder := installRecorder(t)

	req := httptest.NewRequest("GET", "/api/session", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if got := ended[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("server span should join the incoming trace, got %s", got)
	}
}
