package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the runtime's metric surface. A nil implementation is valid
// everywhere; recording on it is a no-op.
type Metrics interface {
	RecordAgentStep(ctx context.Context, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordCacheLookup(ctx context.Context, hit bool, missReason string)
	RecordContextCompression(ctx context.Context, originalTokens, finalTokens int)
}

type PrometheusMetrics struct {
	stepDuration    metric.Float64Histogram
	stepsTotal      metric.Int64Counter
	stepErrorsTotal metric.Int64Counter
	stepTokensTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter

	compressionsTotal metric.Int64Counter
	tokensReclaimed   metric.Int64Counter
}

func (m *PrometheusMetrics) RecordAgentStep(ctx context.Context, duration time.Duration, tokens int, err error) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.Record(ctx, duration.Seconds())
	m.stepsTotal.Add(ctx, 1)
	if tokens > 0 {
		m.stepTokensTotal.Add(ctx, int64(tokens))
	}
	if err != nil {
		m.stepErrorsTotal.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, hit bool, missReason string) {
	if m == nil || m.cacheHitsTotal == nil {
		return
	}
	if hit {
		m.cacheHitsTotal.Add(ctx, 1)
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", missReason)))
}

func (m *PrometheusMetrics) RecordContextCompression(ctx context.Context, originalTokens, finalTokens int) {
	if m == nil || m.compressionsTotal == nil {
		return
	}
	m.compressionsTotal.Add(ctx, 1)
	if reclaimed := originalTokens - finalTokens; reclaimed > 0 {
		m.tokensReclaimed.Add(ctx, int64(reclaimed))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
