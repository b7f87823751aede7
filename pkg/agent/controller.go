// Package agent drives the tool-using conversation loop: compress context,
// call the model, dispatch requested tools, repeat until the model answers
// or a step limit is hit.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtera/maestro/pkg/backoff"
	"github.com/voxtera/maestro/pkg/cache"
	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
	"github.com/voxtera/maestro/pkg/tokens"
	"github.com/voxtera/maestro/pkg/tools"
	"github.com/voxtera/maestro/pkg/window"
)

const defaultSystemMessage = "You are a helpful assistant. Use the available tools when they help you answer accurately."

// Controller owns one agent loop configuration. It is safe to reuse across
// runs; per-run state lives in State values.
type Controller struct {
	provider llms.Provider
	cached   *cache.CachingCompleter
	registry  *tools.Registry
	executor  *tools.Executor
	manager   *window.Manager
	strategy  tools.Strategy
	policy    backoff.Policy
	sleep     backoff.Sleeper
	tracer    trace.Tracer
	sink      Sink
	onChunk   llms.ChunkHandler

	maxSteps        int
	headroomPercent int
	systemMessage   string
	allowOverflow   bool
}

type Option func(*Controller)

func WithMaxSteps(n int) Option {
	return func(c *Controller) { c.maxSteps = n }
}

func WithSystemMessage(msg string) Option {
	return func(c *Controller) { c.systemMessage = msg }
}

func WithStrategy(s tools.Strategy) Option {
	return func(c *Controller) { c.strategy = s }
}

func WithExecutor(e *tools.Executor) Option {
	return func(c *Controller) { c.executor = e }
}

// WithWindowManager overrides the default token-window pipeline.
func WithWindowManager(m *window.Manager) Option {
	return func(c *Controller) { c.manager = m }
}

func WithHeadroomPercent(p int) Option {
	return func(c *Controller) { c.headroomPercent = p }
}

// WithCache routes completions through a semantic cache.
func WithCache(sc *cache.SemanticCache) Option {
	return func(c *Controller) { c.cached = cache.NewCachingCompleter(c.provider, sc) }
}

func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithSleeper replaces the retry wait; tests run instantly with a no-op.
func WithSleeper(s backoff.Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithChunkHandler streams assistant output as it arrives. Streaming calls
// bypass the semantic cache.
func WithChunkHandler(h llms.ChunkHandler) Option {
	return func(c *Controller) { c.onChunk = h }
}

// WithAllowOverflow lets a run proceed on a degraded budget when the context
// pipeline cannot fit the conversation.
func WithAllowOverflow(allow bool) Option {
	return func(c *Controller) { c.allowOverflow = allow }
}

func New(provider llms.Provider, registry *tools.Registry, opts ...Option) (*Controller, error) {
	c := &Controller{
		provider:        provider,
		registry:        registry,
		strategy:        tools.ParallelStrategy(),
		policy:          backoff.DefaultPolicy(),
		sleep:           backoff.SleepContext,
		tracer:          observability.GetTracer("maestro.agent"),
		maxSteps:        16,
		headroomPercent: llms.HeadroomStandard,
		systemMessage:   defaultSystemMessage,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.executor == nil {
		c.executor = tools.NewExecutor(registry)
	}
	if c.manager == nil {
		counter, err := tokens.NewCounter(provider.Model())
		if err != nil {
			return nil, err
		}
		c.manager = window.New(counter, window.WithSummarizer(provider))
	}
	if c.systemMessage == "" {
		c.systemMessage = defaultSystemMessage
	}
	return c, nil
}

// Run executes the agent loop for one user query. The returned State always
// carries the full conversation, including on failure.
func (c *Controller) Run(ctx context.Context, query string) (State, error) {
	runID := "run_" + uuid.NewString()[:8]
	ctx, span := c.tracer.Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(attribute.String(observability.AttrRunID, runID)),
	)
	defer span.End()

	state := State{
		RunID:  runID,
		Query:  query,
		Status: StatusInProgress,
		Conversation: protocol.NewConversation(
			protocol.NewSystemMessage(c.systemMessage),
			protocol.NewUserMessage(query),
		),
	}

	for {
		if err := ctx.Err(); err != nil {
			state = c.emit(state.failed("cancelled"), TraceEvent{Kind: EventError, Step: state.Steps, Error: err.Error()})
			return state, err
		}
		if state.Steps >= c.maxSteps {
			err := llmerrors.NewProcessing("agent_loop", "step limit reached", false)
			state = c.emit(state.failed("step limit reached"), TraceEvent{Kind: EventError, Step: state.Steps, Error: err.Error()})
			span.RecordError(err)
			return state, err
		}

		var err error
		state, err = c.runStep(ctx, state)
		if err != nil {
			span.RecordError(err)
			return state, err
		}
		if state.Status == StatusComplete {
			return state, nil
		}
	}
}

func (c *Controller) runStep(ctx context.Context, state State) (State, error) {
	step := state.Steps
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, observability.SpanAgentStep,
		trace.WithAttributes(attribute.Int(observability.AttrAgentStep, step)),
	)
	defer span.End()

	state = state.withSteps(step + 1)

	state, err := c.applyPipeline(ctx, state, step)
	if err != nil {
		c.recordStep(ctx, start, state, err)
		return state, err
	}

	opts := llms.CompletionOptions{Tools: c.registry.Definitions()}
	if len(opts.Tools) > 0 {
		opts.ToolChoice = "auto"
	}

	callStart := time.Now()
	var completion *llms.Completion
	var outcome *cache.Outcome
	if c.onChunk != nil {
		completion, err = c.streamWithRetry(ctx, state.Conversation, opts)
	} else {
		completion, err = backoff.RetryWithSleeper(ctx, c.policy, c.sleep,
			func(ctx context.Context, attempt int) (*llms.Completion, error) {
				if c.cached != nil {
					comp, out, cerr := c.cached.CompleteWithOutcome(ctx, state.Conversation, opts)
					outcome = &out
					return comp, cerr
				}
				return c.provider.Complete(ctx, state.Conversation, opts)
			})
	}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		state = c.emit(state.failed(reason), TraceEvent{Kind: EventError, Step: step, Error: err.Error()})
		c.recordStep(ctx, start, state, err)
		return state, err
	}

	event := TraceEvent{
		Kind:       EventProviderCall,
		Step:       step,
		Model:      completion.Model,
		DurationMs: time.Since(callStart).Milliseconds(),
	}
	if completion.Usage != nil {
		event.InputTokens = completion.Usage.PromptTokens
		event.OutputTokens = completion.Usage.CompletionTokens
	}
	state = c.emit(state, event)
	state = c.emitCacheOutcome(state, step, outcome)
	state = state.addUsage(completion.Usage).
		withConversation(state.Conversation.Append(completion.Message))

	if completion.Message.HasToolCalls() {
		state = state.withStatus(StatusWaitingForTools)
		state = c.dispatchTools(ctx, state, step, completion.Message.ToolCalls)
		state = state.withStatus(StatusInProgress)
	} else {
		state = state.withStatus(StatusComplete)
	}

	state = c.emit(state, TraceEvent{Kind: EventAgentStep, Step: step, DurationMs: time.Since(start).Milliseconds()})
	c.recordStep(ctx, start, state, nil)
	return state, nil
}

func (c *Controller) applyPipeline(ctx context.Context, state State, step int) (State, error) {
	budget := llms.Budget(c.provider, c.headroomPercent)
	win, err := c.manager.Manage(ctx, state.Conversation, budget)
	if err != nil {
		if c.allowOverflow {
			slog.Warn("context pipeline overflow, proceeding with degraded budget",
				"run_id", state.RunID, "step", step, "error", err)
			return c.emit(state, TraceEvent{Kind: EventError, Step: step, Reason: "allow_overflow", Error: err.Error()}), nil
		}
		state = c.emit(state.failed(err.Error()), TraceEvent{Kind: EventError, Step: step, Error: err.Error()})
		return state, err
	}

	if len(win.StepsApplied) > 0 {
		names := make([]string, len(win.StepsApplied))
		for i, s := range win.StepsApplied {
			names[i] = string(s)
		}
		state = c.emit(state, TraceEvent{
			Kind:             EventContextPipeline,
			Step:             step,
			PipelineSteps:    names,
			CompressionRatio: win.CompressionRatio,
		})
	}
	return state.withConversation(win.Conversation), nil
}

// streamWithRetry retries recoverable stream failures only while nothing has
// reached the chunk handler; replaying a partially delivered stream would
// duplicate output the caller already saw.
func (c *Controller) streamWithRetry(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
	delivered := false
	forward := func(chunk stream.Chunk) {
		delivered = true
		c.onChunk(chunk)
	}
	return backoff.RetryWithSleeper(ctx, c.policy, c.sleep,
		func(ctx context.Context, attempt int) (*llms.Completion, error) {
			completion, err := c.provider.StreamComplete(ctx, conv, opts, forward)
			if err != nil && delivered {
				return nil, llmerrors.NewProcessing("stream", "stream interrupted after partial delivery", false).WithCause(err)
			}
			return completion, err
		})
}

func (c *Controller) dispatchTools(ctx context.Context, state State, step int, calls []*protocol.ToolCall) State {
	reqs := make([]tools.Request, len(calls))
	for i, call := range calls {
		reqs[i] = tools.Request{CallID: call.ID, Name: call.Name, Arguments: tools.Args(call.Args)}
		state = c.emit(state, TraceEvent{Kind: EventToolCall, Step: step, Tool: call.Name, CallID: call.ID})
	}

	results := c.executor.ExecuteAll(ctx, reqs, c.strategy)

	msgs := make([]*protocol.Message, len(results))
	for i, res := range results {
		msgs[i] = protocol.NewToolMessage(res.CallID, res.Content())
		event := TraceEvent{Kind: EventToolResult, Step: step, Tool: res.Name, CallID: res.CallID}
		if res.Err != nil {
			event.Error = res.Err.Error()
		}
		state = c.emit(state, event)
	}
	return state.withConversation(state.Conversation.Append(msgs...))
}

func (c *Controller) emitCacheOutcome(state State, step int, outcome *cache.Outcome) State {
	if outcome == nil {
		return state
	}
	if outcome.Hit {
		return c.emit(state, TraceEvent{Kind: EventCacheHit, Step: step})
	}
	return c.emit(state, TraceEvent{Kind: EventCacheMiss, Step: step, Reason: string(outcome.Reason)})
}

func (c *Controller) emit(state State, event TraceEvent) State {
	event.Time = time.Now()
	if c.sink != nil {
		c.sink.Emit(event)
	}
	return state.withEvent(event)
}

func (c *Controller) recordStep(ctx context.Context, start time.Time, state State, err error) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordAgentStep(ctx, time.Since(start), state.Usage.TotalTokens, err)
	}
}
