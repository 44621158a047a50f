package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_ServesMetricsFromPrivateRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	exp := tracetest.NewInMemoryExporter()
	tel, err := Setup(context.Background(), WithServiceVersion("test"), WithTraceExporter(exp))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordPipeline(context.Background(), "completed")

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "colloquy_pipelines") {
		t.Errorf("metrics output missing colloquy_pipelines:\n%s", body)
	}

	_, span := StartSpan(context.Background(), "sample")
	span.End()
	if !span.SpanContext().IsSampled() {
		t.Error("root span not sampled at default ratio")
	}
}

func TestSetup_ZeroRatioDropsRootSpans(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Setup(context.Background(), WithSampleRatio(0))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "sample")
	span.End()
	if span.SpanContext().IsSampled() {
		t.Error("root span sampled at ratio 0")
	}
	if !span.SpanContext().HasTraceID() {
		t.Error("unsampled span lost its trace ID")
	}
}
