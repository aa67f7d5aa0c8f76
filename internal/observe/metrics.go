// Package observe provides application-wide observability primitives for
// toolweave: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all toolweave metrics.
const meterName = "github.com/MrWong99/toolweave"

// Status values used as the "status" attribute.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks tool execution latency. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCallDuration metric.Float64Histogram

	// ProviderDuration tracks a single provider completion attempt.
	ProviderDuration metric.Float64Histogram

	// OrchestrationDuration tracks a whole orchestrated request.
	OrchestrationDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TokensUsed counts tokens deducted from the budget. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "prompt"|"completion")
	TokensUsed metric.Int64Counter

	// BudgetRejections counts requests refused before reaching a provider.
	BudgetRejections metric.Int64Counter

	// Orchestrations counts finished requests by status.
	Orchestrations metric.Int64Counter

	// --- Distributions ---

	// RoutedTools records the size of each routing category per turn. Use
	// with attribute.String("category", "core"|"matched"|"filler").
	RoutedTools metric.Int64Histogram

	// OrchestrationRounds records the rounds used per request.
	OrchestrationRounds metric.Int64Histogram

	// --- Gauges ---

	// ReadySessions tracks tool server sessions currently in the Ready state.
	ReadySessions metric.Int64UpDownCounter

	// ActiveOrchestrations tracks requests currently being orchestrated.
	ActiveOrchestrations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// quick local tools up to slow provider completions.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolCallDuration, err = m.Float64Histogram("toolweave.tool.duration",
		metric.WithDescription("Latency of tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("toolweave.provider.duration",
		metric.WithDescription("Latency of a single provider completion attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OrchestrationDuration, err = m.Float64Histogram("toolweave.orchestration.duration",
		metric.WithDescription("End-to-end latency of an orchestrated request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("toolweave.provider.requests",
		metric.WithDescription("Total provider attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("toolweave.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("toolweave.tokens.used",
		metric.WithDescription("Tokens deducted from the budget by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BudgetRejections, err = m.Int64Counter("toolweave.budget.rejections",
		metric.WithDescription("Requests rejected because they would exceed a token budget."),
	); err != nil {
		return nil, err
	}
	if met.Orchestrations, err = m.Int64Counter("toolweave.orchestrations",
		metric.WithDescription("Finished orchestrated requests by status."),
	); err != nil {
		return nil, err
	}

	// Integer distributions.
	if met.RoutedTools, err = m.Int64Histogram("toolweave.router.tools",
		metric.WithDescription("Tools selected per turn by routing category."),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 20, 30, 50, 75, 100),
	); err != nil {
		return nil, err
	}
	if met.OrchestrationRounds, err = m.Int64Histogram("toolweave.orchestration.rounds",
		metric.WithDescription("Provider rounds used per orchestrated request."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8, 10),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ReadySessions, err = m.Int64UpDownCounter("toolweave.sessions.ready",
		metric.WithDescription("Number of tool server sessions in the ready state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveOrchestrations, err = m.Int64UpDownCounter("toolweave.orchestrations.active",
		metric.WithDescription("Number of requests currently being orchestrated."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolweave.http.request.duration",
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

// RecordToolCall records one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderRequest records one provider attempt and its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTokens records the prompt and completion tokens deducted for
// provider.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, prompt, completion int) {
	m.TokensUsed.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("kind", "prompt")))
	m.TokensUsed.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("kind", "completion")))
}

// RecordBudgetRejection records a request refused by the budget. scope is
// "daily" or "request".
func (m *Metrics) RecordBudgetRejection(ctx context.Context, scope string) {
	m.BudgetRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordRouting records the category sizes of one routing decision.
func (m *Metrics) RecordRouting(ctx context.Context, core, matched, filler int) {
	m.RoutedTools.Record(ctx, int64(core), metric.WithAttributes(attribute.String("category", "core")))
	m.RoutedTools.Record(ctx, int64(matched), metric.WithAttributes(attribute.String("category", "matched")))
	m.RoutedTools.Record(ctx, int64(filler), metric.WithAttributes(attribute.String("category", "filler")))
}

// RecordOrchestration records a finished request.
func (m *Metrics) RecordOrchestration(ctx context.Context, status string, rounds int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Orchestrations.Add(ctx, 1, attrs)
	m.OrchestrationRounds.Record(ctx, int64(rounds), attrs)
	m.OrchestrationDuration.Record(ctx, d.Seconds(), attrs)
}
