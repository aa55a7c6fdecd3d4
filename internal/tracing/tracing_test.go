package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), &Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled provider: %v", err)
	}
}

func TestInjectExtract(t *testing.T) {
	if _, err := Init(context.Background(), &Config{}, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := Inject(context.Background()); got != nil {
		t.Errorf("Inject without span = %v, want nil", got)
	}

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer span.End()

	carrier := Inject(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("carrier %v has no traceparent", carrier)
	}

	restored := trace.SpanContextFromContext(Extract(context.Background(), carrier))
	if restored.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id = %s, want %s", restored.TraceID(), span.SpanContext().TraceID())
	}
	if !restored.IsRemote() {
		t.Error("extracted span context should be remote")
	}

	if ctx := Extract(context.Background(), nil); trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("Extract(nil) produced a span context")
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0:    "AlwaysOffSampler",
		-1:   "AlwaysOffSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for rate, want := range cases {
		if got := sampler(rate).Description(); got != want {
			t.Errorf("sampler(%v) = %q, want %q", rate, got, want)
		}
	}
}
