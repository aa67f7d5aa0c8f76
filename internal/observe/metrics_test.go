package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"toolweave.tool.duration", m.ToolCallDuration},
		{"toolweave.provider.duration", m.ProviderDuration},
		{"toolweave.orchestration.duration", m.OrchestrationDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "gmail.search", StatusOK, 20*time.Millisecond)
	m.RecordToolCall(ctx, "gmail.search", StatusOK, 30*time.Millisecond)
	m.RecordToolCall(ctx, "gmail.search", StatusError, time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "toolweave.tool.calls", "status", StatusOK); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "toolweave.tool.calls", "status", StatusError); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}
	if findMetric(rm, "toolweave.tool.duration") == nil {
		t.Error("tool duration not recorded")
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "rate_limited", 10*time.Millisecond)
	m.RecordProviderRequest(ctx, "openai", "rate_limited", 10*time.Millisecond)
	m.RecordProviderRequest(ctx, "anthropic", StatusOK, time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "toolweave.provider.requests", "status", "rate_limited"); got != 2 {
		t.Errorf("rate limited = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "toolweave.provider.requests", "provider", "anthropic"); got != 1 {
		t.Errorf("anthropic = %d, want 1", got)
	}
}

func TestRecordTokens(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTokens(ctx, "openai", 120, 30)
	m.RecordTokens(ctx, "openai", 80, 20)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "toolweave.tokens.used", "kind", "prompt"); got != 200 {
		t.Errorf("prompt tokens = %d, want 200", got)
	}
	if got := sumWhere(t, rm, "toolweave.tokens.used", "kind", "completion"); got != 50 {
		t.Errorf("completion tokens = %d, want 50", got)
	}
}

func TestRecordBudgetRejection(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBudgetRejection(context.Background(), "daily")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "toolweave.budget.rejections", "scope", "daily"); got != 1 {
		t.Errorf("rejections = %d, want 1", got)
	}
}

func TestRecordRouting(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordRouting(context.Background(), 3, 27, 30)

	rm := collect(t, reader)
	met := findMetric(rm, "toolweave.router.tools")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("metric is not an int64 histogram")
	}
	want := map[string]int64{"core": 3, "matched": 27, "filler": 30}
	if len(hist.DataPoints) != len(want) {
		t.Fatalf("got %d data points, want %d", len(hist.DataPoints), len(want))
	}
	for _, dp := range hist.DataPoints {
		cat, _ := dp.Attributes.Value("category")
		if dp.Sum != want[cat.AsString()] {
			t.Errorf("category %s sum = %d, want %d", cat.AsString(), dp.Sum, want[cat.AsString()])
		}
	}
}

func TestRecordOrchestration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordOrchestration(ctx, StatusOK, 2, time.Second)
	m.RecordOrchestration(ctx, StatusDegraded, 5, 3*time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "toolweave.orchestrations", "status", StatusDegraded); got != 1 {
		t.Errorf("degraded = %d, want 1", got)
	}
	met := findMetric(rm, "toolweave.orchestration.rounds")
	if met == nil {
		t.Fatal("rounds metric not found")
	}
	hist := met.Data.(metricdata.Histogram[int64])
	var total int64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	if total != 7 {
		t.Errorf("rounds sum = %d, want 7", total)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ReadySessions.Add(ctx, 3)
	m.ReadySessions.Add(ctx, -1)
	m.ActiveOrchestrations.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"toolweave.sessions.ready", 2},
		{"toolweave.orchestrations.active", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
