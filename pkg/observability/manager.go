package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Tracing TracerConfig  `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Manager owns the tracer and metrics lifecycle for a process.
type Manager struct {
	config         Config
	tracerProvider trace.TracerProvider
	metrics        *PrometheusMetrics
	metricsHandler http.Handler
	initialized    bool
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	m.tracerProvider = tp

	metrics, handler, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	m.metrics = metrics
	m.metricsHandler = handler
	SetGlobalMetrics(metrics)

	m.initialized = true
	if m.config.Tracing.Enabled || m.config.Metrics.Enabled {
		slog.Info("Observability initialized",
			"tracing", m.config.Tracing.Enabled,
			"metrics", m.config.Metrics.Enabled)
	}
	return nil
}

func (m *Manager) GetTracer(name string) trace.Tracer {
	return GetTracer(name)
}

func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// MetricsHandler is nil when metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	return m.metricsHandler
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.initialized {
		return nil
	}
	if sdk, ok := m.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := sdk.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down tracer provider: %w", err)
		}
	}
	m.initialized = false
	return nil
}
