package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxtera/maestro/pkg/agent"
	"github.com/voxtera/maestro/pkg/cache"
	"github.com/voxtera/maestro/pkg/config"
	"github.com/voxtera/maestro/pkg/embedders"
	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/stream"
	"github.com/voxtera/maestro/pkg/tokens"
	"github.com/voxtera/maestro/pkg/tools"
	"github.com/voxtera/maestro/pkg/window"
)

// RunCmd executes the agent loop for one query and prints the answer.
type RunCmd struct {
	Query []string `arg:"" help:"User query."`

	MaxSteps int    `name:"max-steps" help:"Override the step limit."`
	NoStream bool   `name:"no-stream" help:"Wait for the full answer instead of streaming."`
	Trace    string `help:"Write a JSON-lines trace of the run to this file." type:"path"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	obs := observability.NewManager(cfg.Tracing)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	serveMetrics(obs, cfg.Tracing.Metrics.Port)

	provider, err := llms.NewProviderFromConfig(cfg.LLM)
	if err != nil {
		return err
	}
	defer provider.Close()
	if err := provider.Validate(); err != nil {
		return err
	}

	controller, err := buildController(cfg, provider, c)
	if err != nil {
		return err
	}

	query := strings.Join(c.Query, " ")
	state, err := controller.Run(ctx, query)
	if err != nil {
		return fmt.Errorf("run failed (%s): %w", state.FailReason, err)
	}

	if c.NoStream {
		fmt.Println(state.FinalContent())
	} else {
		// Streaming already printed the content; terminate the line.
		fmt.Println()
	}
	fmt.Fprintf(os.Stderr, "steps=%d tokens=%d\n", state.Steps, state.Usage.TotalTokens)
	return nil
}

func buildController(cfg *config.Config, provider llms.Provider, c *RunCmd) (*agent.Controller, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	strategy, err := tools.ParseStrategy(cfg.Tools.ExecutionStrategy)
	if err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(registry, tools.WithTimeout(cfg.Tools.DefaultTimeout()))

	counter, err := tokens.NewCounter(cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	manager := window.New(counter,
		window.WithSummarizer(provider),
		window.WithDeterministicCompression(cfg.Context.DeterministicCompression()),
		window.WithLLMCompression(cfg.Context.EnableLLMCompression),
		window.WithSummaryTokenTarget(cfg.Context.SummaryTokenTarget),
	)

	opts := []agent.Option{
		agent.WithExecutor(executor),
		agent.WithStrategy(strategy),
		agent.WithWindowManager(manager),
		agent.WithHeadroomPercent(cfg.Context.HeadroomPercent),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithAllowOverflow(cfg.Agent.AllowOverflow),
	}
	if cfg.Agent.SystemMessage != "" {
		opts = append(opts, agent.WithSystemMessage(cfg.Agent.SystemMessage))
	}
	if c.MaxSteps > 0 {
		opts = append(opts, agent.WithMaxSteps(c.MaxSteps))
	}
	if !c.NoStream {
		opts = append(opts, agent.WithChunkHandler(func(chunk stream.Chunk) {
			fmt.Print(chunk.Content)
		}))
	}
	if cfg.Cache.Enabled {
		embedder, err := embedders.NewFromConfig(cfg.Cache.Embedder)
		if err != nil {
			return nil, err
		}
		sc, err := cache.New(cache.Config{
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			TTL:                 cfg.Cache.TTL(),
			MaxEntries:          cfg.Cache.MaxEntries,
		}, embedder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithCache(sc))
	}
	if c.Trace != "" {
		f, err := os.Create(c.Trace)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithSink(agent.NewWriterSink(f)))
	}

	return agent.New(provider, registry, opts...)
}

func serveMetrics(obs *observability.Manager, port int) {
	handler := obs.MetricsHandler()
	if handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		// Best effort: the agent run does not depend on the metrics endpoint.
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
