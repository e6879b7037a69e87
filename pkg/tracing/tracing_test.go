package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "partyline" {
		t.Errorf("expected service name 'partyline', got '%s'", cfg.ServiceName)
	}
	if cfg.JaegerEndpoint != "http://localhost:14268/api/traces" {
		t.Errorf("unexpected Jaeger endpoint: %s", cfg.JaegerEndpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Test with disabled tracing (no tracer provider)
	ctx, span := StartSpan(ctx, "test.operation")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestAddSpanAttributes(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	AddSpanAttributes(ctx,
		attribute.String("test.key", "test.value"),
		attribute.Int("test.number", 42),
	)
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	err := &testError{message: "test error"}
	RecordError(ctx, err)
}

func TestMeasureDuration(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartSpan(ctx, "test")
	defer span.End()

	start := time.Now()
	time.Sleep(10 * time.Millisecond)
	MeasureDuration(ctx, start, "test.operation")
}

func TestTraceHTTPRequest(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceHTTPRequest(ctx, "GET", "/api/v1/games")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestTraceSignal(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceSignal(ctx, "advertisement", "p-123")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestTraceNegotiation(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceNegotiation(ctx, "create_offer", "p-123")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestTraceSync(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceSync(ctx, "broadcast", 42)
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestTraceStoreOperation(t *testing.T) {
	ctx := context.Background()
	ctx, span := TraceStoreOperation(ctx, "append", "memory")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

type testError struct {
	message string
}

func (e *testError) Error() string {
	return e.message
}
