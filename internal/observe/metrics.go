// Package observe provides application-wide observability primitives for
// nlquery: OpenTelemetry metrics, distributed tracing, trace-aware structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all nlquery metrics.
const meterName = "github.com/MrWong99/nlquery"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// LLMDuration tracks completion backend latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts backend calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend failures. Use with attributes:
	//   attribute.String("model", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TokensUsed counts tokens consumed by completed round trips (retained
	// input plus produced output). Use with attribute:
	//   attribute.String("model", ...)
	TokensUsed metric.Int64Counter

	// EvictedTurns counts user/assistant pairs dropped to fit the context
	// window. Use with attribute:
	//   attribute.String("model", ...)
	EvictedTurns metric.Int64Counter

	// RejectedRequests counts requests refused before dispatch. Use with
	// attributes:
	//   attribute.String("model", ...), attribute.String("reason", ...)
	RejectedRequests metric.Int64Counter

	// ActiveRequests tracks the number of in-flight backend calls.
	ActiveRequests metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// chat-completion round trips.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("nlquery.llm.duration",
		metric.WithDescription("Latency of completion backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("nlquery.provider.requests",
		metric.WithDescription("Total completion backend requests by model and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("nlquery.provider.errors",
		metric.WithDescription("Total completion backend errors by model and kind."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("nlquery.tokens.used",
		metric.WithDescription("Tokens consumed by completed requests (retained input plus output)."),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if met.EvictedTurns, err = m.Int64Counter("nlquery.turns.evicted",
		metric.WithDescription("Conversation turns evicted to fit the context window."),
	); err != nil {
		return nil, err
	}
	if met.RejectedRequests, err = m.Int64Counter("nlquery.requests.rejected",
		metric.WithDescription("Requests rejected before dispatch by model and reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRequests, err = m.Int64UpDownCounter("nlquery.requests.active",
		metric.WithDescription("Number of in-flight completion backend calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("nlquery.http.request.duration",
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

// RecordProviderRequest records a backend request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a backend error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, model, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokensUsed adds n to the tokens-used counter for model.
func (m *Metrics) RecordTokensUsed(ctx context.Context, model string, n int) {
	m.TokensUsed.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordEvictedTurns adds n to the evicted-turns counter for model. Zero is
// not recorded.
func (m *Metrics) RecordEvictedTurns(ctx context.Context, model string, n int) {
	if n <= 0 {
		return
	}
	m.EvictedTurns.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordRejection records a request rejected before dispatch.
func (m *Metrics) RecordRejection(ctx context.Context, model, reason string) {
	m.RejectedRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("reason", reason),
		),
	)
}
