// Package observe provides application-wide observability primitives for
// Earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Earshot metrics.
const meterName = "github.com/earshotlabs/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// BatchAudioDuration tracks the audio length of emitted batches.
	BatchAudioDuration metric.Float64Histogram

	// STTDuration tracks transcription request latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	STTDuration metric.Float64Histogram

	// LLMDuration tracks chat completion latency. Use with attribute:
	//   attribute.String("op", "insight"|"answer"|"questions")
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// STTRetries counts retried transcription attempts by model.
	STTRetries metric.Int64Counter

	// BatchesDropped counts batches lost by reason:
	//   attribute.String("reason", "queue_overflow"|"models_exhausted")
	BatchesDropped metric.Int64Counter

	// EventsDropped counts outbound events discarded because a session's
	// send queue was full.
	EventsDropped metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The top
// buckets cover transcription attempts that run into the 30s API timeout.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BatchAudioDuration, err = m.Float64Histogram("earshot.batch.audio.duration",
		metric.WithDescription("Audio length of batches emitted by the segmenter."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("earshot.stt.duration",
		metric.WithDescription("Latency of transcription requests by model and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("earshot.llm.duration",
		metric.WithDescription("Latency of chat completions by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.STTRetries, err = m.Int64Counter("earshot.stt.retries",
		metric.WithDescription("Retried transcription attempts by model."),
	); err != nil {
		return nil, err
	}
	if met.BatchesDropped, err = m.Int64Counter("earshot.batches.dropped",
		metric.WithDescription("Batches lost to queue overflow or exhausted model chains."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("earshot.events.dropped",
		metric.WithDescription("Outbound events discarded for slow sessions."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of connected WebSocket sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordSTTRequest records one transcription attempt's latency with the
// standard attribute set.
func (m *Metrics) RecordSTTRequest(ctx context.Context, model, status string, seconds float64) {
	m.STTDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordLLMCall records one chat completion's latency by operation.
func (m *Metrics) RecordLLMCall(ctx context.Context, op, status string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordBatchDropped records a lost batch with its reason.
func (m *Metrics) RecordBatchDropped(ctx context.Context, reason string) {
	m.BatchesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordEventDropped records a fan-out event discarded because a session's
// send queue was full.
func (m *Metrics) RecordEventDropped(ctx context.Context, event string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// AddActiveSessions moves the live WebSocket session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}
