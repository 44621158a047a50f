// Package observe provides application-wide observability primitives for
// colloquy: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that a long batch run can
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all colloquy metrics.
const meterName = "github.com/MrWong99/colloquy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderDuration tracks the wall time of one provider call, from request
	// to the last streamed chunk. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// TurnDuration tracks how long one dialogue turn took to stream. Use with
	// attribute: attribute.String("role", ...)
	TurnDuration metric.Float64Histogram

	// FirstTokenLatency tracks the delay until the first visible delta of a
	// turn.
	FirstTokenLatency metric.Float64Histogram

	// StageDuration tracks pipeline stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts generated dialogue turns. Use with attributes:
	//   attribute.String("role", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// Pipelines counts finished pipeline instances. Use with attribute:
	//   attribute.String("status", ...)
	Pipelines metric.Int64Counter

	// Defects counts assessed defects. Use with attribute:
	//   attribute.String("severity", ...)
	Defects metric.Int64Counter

	// StructuredFailures counts structured-output responses that fell back to
	// defaults. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	StructuredFailures metric.Int64Counter

	// EventsDropped counts non-terminal pipeline events dropped for slow
	// subscribers.
	EventsDropped metric.Int64Counter

	// --- Distributions ---

	// RatingScore records the final weighted rating of every rated transcript.
	RatingScore metric.Float64Histogram

	// --- Gauges ---

	// ActivePipelines tracks the number of pipeline instances holding a pool
	// slot.
	ActivePipelines metric.Int64UpDownCounter

	// QueuedPipelines tracks the number of submissions waiting for a slot.
	QueuedPipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM calls, which range from sub-second first tokens to minute-long
// reasoning turns.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// scoreBuckets covers the [0,10] rating scale in unit steps.
var scoreBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProviderDuration, err = m.Float64Histogram("colloquy.provider.duration",
		metric.WithDescription("Latency of one provider call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("colloquy.turn.duration",
		metric.WithDescription("Time to stream one dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("colloquy.turn.first_token",
		metric.WithDescription("Delay until the first visible delta of a turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("colloquy.stage.duration",
		metric.WithDescription("Latency of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RatingScore, err = m.Float64Histogram("colloquy.rating.score",
		metric.WithDescription("Final weighted rating per transcript."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("colloquy.provider.requests",
		metric.WithDescription("Total provider calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("colloquy.turns",
		metric.WithDescription("Total dialogue turns by role and status."),
	); err != nil {
		return nil, err
	}
	if met.Pipelines, err = m.Int64Counter("colloquy.pipelines",
		metric.WithDescription("Total finished pipeline instances by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.Defects, err = m.Int64Counter("colloquy.defects",
		metric.WithDescription("Total assessed defects by severity bucket."),
	); err != nil {
		return nil, err
	}
	if met.StructuredFailures, err = m.Int64Counter("colloquy.structured.failures",
		metric.WithDescription("Structured-output responses replaced by defaults, by stage and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("colloquy.events.dropped",
		metric.WithDescription("Non-terminal pipeline events dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("colloquy.pipelines.active",
		metric.WithDescription("Number of pipeline instances holding a pool slot."),
	); err != nil {
		return nil, err
	}
	if met.QueuedPipelines, err = m.Int64UpDownCounter("colloquy.pipelines.queued",
		metric.WithDescription("Number of submissions waiting for a pool slot."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("colloquy.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one finished dialogue turn. firstToken is zero when no
// visible delta arrived.
func (m *Metrics) RecordTurn(ctx context.Context, role, status string, d, firstToken time.Duration) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("status", status),
		),
	)
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("role", role)))
	if firstToken > 0 {
		m.FirstTokenLatency.Record(ctx, firstToken.Seconds())
	}
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordPipeline records one pipeline instance reaching a terminal status.
func (m *Metrics) RecordPipeline(ctx context.Context, status string) {
	m.Pipelines.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDefects adds n defects of the given severity bucket.
func (m *Metrics) RecordDefects(ctx context.Context, severity string, n int) {
	if n == 0 {
		return
	}
	m.Defects.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordStructuredFailure records a structured-output fallback.
func (m *Metrics) RecordStructuredFailure(ctx context.Context, stage, kind string) {
	m.StructuredFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}
