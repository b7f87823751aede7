package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitMetrics builds the otel meter backed by a prometheus registry and
// returns the metrics recorder plus an http.Handler serving /metrics.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, http.Handler, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil, nil
	}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("maestro")

	m := &PrometheusMetrics{}
	if m.stepDuration, err = meter.Float64Histogram(
		"maestro_agent_step_duration_seconds",
		metric.WithDescription("Agent step duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.stepsTotal, err = meter.Int64Counter(
		"maestro_agent_steps_total",
		metric.WithDescription("Total agent steps"),
	); err != nil {
		return nil, nil, err
	}
	if m.stepErrorsTotal, err = meter.Int64Counter(
		"maestro_agent_step_errors_total",
		metric.WithDescription("Total agent step errors"),
	); err != nil {
		return nil, nil, err
	}
	if m.stepTokensTotal, err = meter.Int64Counter(
		"maestro_agent_tokens_used_total",
		metric.WithDescription("Total tokens used by agent runs"),
	); err != nil {
		return nil, nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"maestro_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.toolCallsTotal, err = meter.Int64Counter(
		"maestro_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, nil, err
	}
	if m.toolErrorsTotal, err = meter.Int64Counter(
		"maestro_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"maestro_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"maestro_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"maestro_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, nil, err
	}
	if m.llmErrorsTotal, err = meter.Int64Counter(
		"maestro_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, nil, err
	}
	if m.cacheHitsTotal, err = meter.Int64Counter(
		"maestro_cache_hits_total",
		metric.WithDescription("Semantic cache hits"),
	); err != nil {
		return nil, nil, err
	}
	if m.cacheMissesTotal, err = meter.Int64Counter(
		"maestro_cache_misses_total",
		metric.WithDescription("Semantic cache misses by reason"),
	); err != nil {
		return nil, nil, err
	}
	if m.compressionsTotal, err = meter.Int64Counter(
		"maestro_context_compressions_total",
		metric.WithDescription("Context pipeline compressions applied"),
	); err != nil {
		return nil, nil, err
	}
	if m.tokensReclaimed, err = meter.Int64Counter(
		"maestro_context_tokens_reclaimed_total",
		metric.WithDescription("Tokens reclaimed by context compression"),
	); err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}
