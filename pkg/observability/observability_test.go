package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := &MetricsConfig{Namespace: "test", Subsystem: ""}
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	return m
}

func TestMetricsRecordAgentStep(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordAgentStep("market-scout", "market_intelligence", "completed", 100*time.Millisecond)
	m.RecordAgentStep("market-scout", "market_intelligence", "failed", 50*time.Millisecond)
}

func TestMetricsRecordToolInvocation(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordToolInvocation("clearbit", "enrich", "success", 200*time.Millisecond)
}

func TestMetricsGaugeSetters(t *testing.T) {
	m := newTestMetrics(t)
	m.SetRunSpend("run-1", 12.5)
	m.SetBreakerState("clearbit", 2)
	m.SetLimiterTokens("clearbit", 3)
}

func TestMetricsRecordGatesAndCompensation(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordGateOpened("market_intelligence")
	m.RecordGateDecided("approved")
	m.RecordCompensation("market-scout", "compensated")
}

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRunStarted("dentists")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_runs_started_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAgentStep("a", "p", "ok", time.Millisecond)
		m.SetRunSpend("run-1", 1.0)
		m.RecordRunStarted("niche")
	})
}

func TestNoopTracerProducesUsableSpans(t *testing.T) {
	var tracer NoopTracer

	ctx := context.Background()
	ctx, span := tracer.StartAgentStep(ctx, "run-1", "task-1", "market-scout", "market_intelligence")
	tracer.AddPayload(span, "tool.response", "irrelevant when captures disabled")
	tracer.RecordError(span, nil)
	span.End()

	_, toolSpan := tracer.StartToolInvoke(ctx, "clearbit", "enrich")
	toolSpan.End()

	assert.Nil(t, tracer.DebugExporter())
	assert.NoError(t, tracer.Shutdown(ctx))
}

func TestNoopMetricsIsSafe(t *testing.T) {
	var m NoopMetrics
	assert.NotPanics(t, func() {
		m.RecordAgentStep("a", "p", "ok", time.Millisecond)
		m.SetBreakerState("tool", 0)
		m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 0)
	})
}

func TestDebugExporterCapturesRelevantSpansOnly(t *testing.T) {
	exp := NewDebugExporter().WithMaxSize(10)
	assert.True(t, exp.shouldCapture(SpanWorkflowAgentStep))
	assert.True(t, exp.shouldCapture(SpanToolInvoke))
	assert.False(t, exp.shouldCapture(SpanHTTPRequest))
	assert.Equal(t, 0, exp.Count())
}

func TestStringTruncation(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
		{"test", 4, "test"},
	}

	for _, tt := range tests {
		result := truncateString(tt.input, tt.maxLen)
		assert.Equal(t, tt.expected, result)
	}
}
