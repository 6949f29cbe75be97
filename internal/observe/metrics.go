// Package observe provides application-wide observability primitives for
// kotoba: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kotoba metrics.
const meterName = "github.com/MrWong99/kotoba"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks end-to-end dialogue processing. Attributes:
	//   tier, outcome
	RequestDuration metric.Float64Histogram

	// BackendDuration tracks generation backend calls. Attributes:
	//   backend, status
	BackendDuration metric.Float64Histogram

	// KnowledgeDuration tracks knowledge searches. Attribute: source
	KnowledgeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts processed dialogue requests by tier and outcome.
	Requests metric.Int64Counter

	// BackendRequests counts backend calls by backend and status.
	BackendRequests metric.Int64Counter

	// BackendRetries counts local backend retries.
	BackendRetries metric.Int64Counter

	// Fallbacks counts fallback responses by tier and reason.
	Fallbacks metric.Int64Counter

	// Tokens counts hosted tokens by backend and direction (input, output).
	Tokens metric.Int64Counter

	// KnowledgeQueries counts knowledge searches by source (cache, vector,
	// fallback).
	KnowledgeQueries metric.Int64Counter

	// HistoryWrites counts durable history writes by status.
	HistoryWrites metric.Int64Counter

	// QuotaRejections counts hosted calls refused before dispatch, by limit.
	QuotaRejections metric.Int64Counter

	// CircuitTransitions counts breaker state changes by name and state.
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks dialogue requests currently in flight.
	ActiveRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round trips.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.RequestDuration, "kotoba.request.duration", "End-to-end dialogue processing latency."},
		{&met.BackendDuration, "kotoba.backend.duration", "Latency of generation backend calls."},
		{&met.KnowledgeDuration, "kotoba.knowledge.duration", "Latency of knowledge searches."},
		{&met.HTTPRequestDuration, "kotoba.http.request.duration", "HTTP request latency by method and path."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Requests, "kotoba.requests", "Dialogue requests by tier and outcome."},
		{&met.BackendRequests, "kotoba.backend.requests", "Backend calls by backend and status."},
		{&met.BackendRetries, "kotoba.backend.retries", "Local backend retries by backend."},
		{&met.Fallbacks, "kotoba.fallbacks", "Fallback responses by tier and reason."},
		{&met.Tokens, "kotoba.tokens", "Hosted tokens by backend and direction."},
		{&met.KnowledgeQueries, "kotoba.knowledge.queries", "Knowledge searches by source."},
		{&met.HistoryWrites, "kotoba.history.writes", "Durable history writes by status."},
		{&met.QuotaRejections, "kotoba.quota.rejections", "Hosted calls refused by a usage limit."},
		{&met.CircuitTransitions, "kotoba.circuit.transitions", "Circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveRequests, err = m.Int64UpDownCounter("kotoba.active_requests",
		metric.WithDescription("Dialogue requests currently in flight."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordRequest records one processed dialogue request.
func (m *Metrics) RecordRequest(ctx context.Context, tier, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("tier", tier), Attr("outcome", outcome))
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBackendCall records one backend call.
func (m *Metrics) RecordBackendCall(ctx context.Context, backend, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("backend", backend), Attr("status", status))
	m.BackendRequests.Add(ctx, 1, attrs)
	m.BackendDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRetry records one retry of a backend call.
func (m *Metrics) RecordRetry(ctx context.Context, backend string) {
	m.BackendRetries.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend)))
}

// RecordFallback records one fallback response.
func (m *Metrics) RecordFallback(ctx context.Context, tier, reason string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("tier", tier), Attr("reason", reason)))
}

// RecordTokens records hosted token usage.
func (m *Metrics) RecordTokens(ctx context.Context, backend string, input, output int) {
	m.Tokens.Add(ctx, int64(input), metric.WithAttributes(Attr("backend", backend), Attr("direction", "input")))
	m.Tokens.Add(ctx, int64(output), metric.WithAttributes(Attr("backend", backend), Attr("direction", "output")))
}

// RecordKnowledgeQuery records one knowledge search served from source.
func (m *Metrics) RecordKnowledgeQuery(ctx context.Context, source string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("source", source))
	m.KnowledgeQueries.Add(ctx, 1, attrs)
	m.KnowledgeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordHistoryWrite records one durable history write.
func (m *Metrics) RecordHistoryWrite(ctx context.Context, status string) {
	m.HistoryWrites.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordQuotaRejection records one hosted call refused by limit.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, limit string) {
	m.QuotaRejections.Add(ctx, 1, metric.WithAttributes(Attr("limit", limit)))
}

// RecordCircuitTransition records a breaker entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, name, state string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("state", state)))
}
