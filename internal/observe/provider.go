package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry is the process-wide OTel setup of one colloquy run.
type Telemetry struct {
	// MetricsHandler serves the run's metrics in Prometheus text format.
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

type setupConfig struct {
	serviceName    string
	serviceVersion string
	traceExporter  sdktrace.SpanExporter
	sampleRatio    float64
}

// SetupOption is a functional option for [Setup].
type SetupOption func(*setupConfig)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) SetupOption {
	return func(c *setupConfig) { c.serviceVersion = v }
}

// WithTraceExporter exports finished spans in batches. Without it spans are
// recorded for log correlation but never leave the process.
func WithTraceExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(c *setupConfig) { c.traceExporter = exp }
}

// WithSampleRatio samples the given fraction of root spans. Default: 1.
func WithSampleRatio(r float64) SetupOption {
	return func(c *setupConfig) { c.sampleRatio = r }
}

// Setup installs global meter and tracer providers. Metrics go to a private
// Prometheus registry exposed through [Telemetry.MetricsHandler], so several
// runs in one process never collide on the default registry.
//
// Call [Telemetry.Shutdown] before exit to flush exporters.
func Setup(ctx context.Context, opts ...SetupOption) (*Telemetry, error) {
	cfg := setupConfig{serviceName: "colloquy", sampleRatio: 1}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio))),
	}
	if cfg.traceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.traceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown:       []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

// Shutdown flushes and closes the providers installed by [Setup].
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
