// Package observe provides application-wide observability primitives for
// voxproof: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxproof metrics.
const meterName = "github.com/voxproof/voxproof"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TestDuration tracks how long a call's test ran from connect to its
	// terminal state. Use with attribute:
	//   attribute.String("outcome", ...)
	TestDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time on the admin
	// endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsTotal counts finished test calls. Use with attributes:
	//   attribute.String("scenario", ...), attribute.String("outcome", ...)
	CallsTotal metric.Int64Counter

	// PromptsMatched counts confirmed prompt matches. Use with attribute:
	//   attribute.String("scenario", ...)
	PromptsMatched metric.Int64Counter

	// StepTimeouts counts steps that timed out waiting for a match. Use with
	// attribute:
	//   attribute.String("scenario", ...)
	StepTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media streams.
	ActiveCalls metric.Int64UpDownCounter
}

// durationBuckets defines histogram bucket boundaries (in seconds) sized for
// IVR test runs, which span a few seconds to a few minutes.
var durationBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TestDuration, err = m.Float64Histogram("voxproof.test.duration",
		metric.WithDescription("Duration of a test call from connect to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxproof.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.CallsTotal, err = m.Int64Counter("voxproof.calls",
		metric.WithDescription("Total finished test calls by scenario and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PromptsMatched, err = m.Int64Counter("voxproof.prompts.matched",
		metric.WithDescription("Total confirmed prompt matches by scenario."),
	); err != nil {
		return nil, err
	}
	if met.StepTimeouts, err = m.Int64Counter("voxproof.steps.timed_out",
		metric.WithDescription("Total steps that timed out waiting for a match by scenario."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voxproof.active_calls",
		metric.WithDescription("Number of live media streams."),
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

// RecordCallFinished records a completed call with its outcome and duration.
func (m *Metrics) RecordCallFinished(ctx context.Context, scenario, outcome string, seconds float64) {
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scenario", scenario),
		attribute.String("outcome", outcome),
	))
	m.TestDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordPromptMatched records one confirmed prompt match.
func (m *Metrics) RecordPromptMatched(ctx context.Context, scenario string) {
	m.PromptsMatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scenario", scenario)),
	)
}

// RecordStepTimeout records one step timeout.
func (m *Metrics) RecordStepTimeout(ctx context.Context, scenario string) {
	m.StepTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scenario", scenario)),
	)
}
