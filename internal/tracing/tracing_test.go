package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func installTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with empty SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "default when unset", envValue: "", expected: "tempo:4318"},
		{name: "strips http scheme", envValue: "http://collector:4318", expected: "collector:4318"},
		{name: "strips https scheme and slash", envValue: "https://collector:4318/", expected: "collector:4318"},
		{name: "host port untouched", envValue: "collector:4318", expected: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name     string
		enabled  string
		endpoint string
		want     bool
	}{
		{name: "nothing configured", want: false},
		{name: "endpoint configured", endpoint: "collector:4318", want: true},
		{name: "explicitly disabled", enabled: "false", endpoint: "collector:4318", want: false},
		{name: "explicitly enabled", enabled: "true", want: true},
		{name: "garbage flag", enabled: "sometimes", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TRACING_ENABLED", tt.enabled)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.endpoint)
			if got := Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitTracing_DisabledIsNoop(t *testing.T) {
	t.Setenv("TRACING_ENABLED", "false")

	shutdown, err := InitTracing(context.Background(), "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown func")
	}
	shutdown()
}

func TestStartSpan_RecordsAttributesAndEvents(t *testing.T) {
	exporter := installTestProvider(t)

	ctx, span := StartSpan(context.Background(), "dispatch.item", attribute.String("item_id", "it-1"))
	AddSpanEvent(ctx, "clock.wait_done")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "dispatch.item" {
		t.Errorf("span name = %q, want dispatch.item", got.Name)
	}
	found := false
	for _, a := range got.Attributes {
		if a.Key == "item_id" && a.Value.AsString() == "it-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v missing item_id", got.Attributes)
	}
	if len(got.Events) != 1 || got.Events[0].Name != "clock.wait_done" {
		t.Errorf("span events = %v, want one clock.wait_done", got.Events)
	}
}

func TestSetSpanError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		hasSpan bool
	}{
		{name: "error with span", err: context.DeadlineExceeded, hasSpan: true},
		{name: "error without span", err: context.DeadlineExceeded},
		{name: "nil error with span", hasSpan: true},
	}

	installTestProvider(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}
			SetSpanError(ctx, tt.err)
		})
	}
}

func TestGetTraceAndSpanID(t *testing.T) {
	installTestProvider(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", got)
	}
	if got := GetSpanID(context.Background()); got != "" {
		t.Errorf("GetSpanID() without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() length = %d, want 32", len(got))
	}
	if got := GetSpanID(ctx); len(got) != 16 {
		t.Errorf("GetSpanID() length = %d, want 16", len(got))
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	installTestProvider(t)

	ctx, span := StartSpan(context.Background(), "batch.submit")
	defer span.End()

	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	got := oteltrace.SpanContextFromContext(restored)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("restored trace id = %s, want %s", got.TraceID(), span.SpanContext().TraceID())
	}
}
