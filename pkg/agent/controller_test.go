package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtera/maestro/pkg/backoff"
	"github.com/voxtera/maestro/pkg/cache"
	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
	"github.com/voxtera/maestro/pkg/tokens"
	"github.com/voxtera/maestro/pkg/tools"
	"github.com/voxtera/maestro/pkg/window"
)

type providerTurn func(conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error)

// scriptedProvider plays back canned completions; the last turn repeats.
type scriptedProvider struct {
	script []providerTurn

	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "gpt-4o" }

func (p *scriptedProvider) Complete(_ context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
	p.mu.Lock()
	i := min(p.calls, len(p.script)-1)
	p.calls++
	turn := p.script[i]
	p.mu.Unlock()
	return turn(conv, opts)
}

func (p *scriptedProvider) StreamComplete(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions, onChunk llms.ChunkHandler) (*llms.Completion, error) {
	completion, err := p.Complete(ctx, conv, opts)
	if err == nil && onChunk != nil {
		onChunk(stream.Chunk{Content: completion.Content})
	}
	return completion, err
}

func (p *scriptedProvider) ContextWindow() int     { return 10000 }
func (p *scriptedProvider) ReserveCompletion() int { return 500 }
func (p *scriptedProvider) Validate() error        { return nil }
func (p *scriptedProvider) Close() error           { return nil }

type fieldEncoder struct{}

func (fieldEncoder) Count(text string) int { return len(strings.Fields(text)) }

func testWindowManager() *window.Manager {
	return window.New(tokens.NewCounterWithEncoder("gpt-4o", fieldEncoder{}))
}

func answerTurn(content string) providerTurn {
	return func(protocol.Conversation, llms.CompletionOptions) (*llms.Completion, error) {
		return &llms.Completion{
			Model:        "gpt-4o",
			Content:      content,
			Message:      protocol.NewAssistantMessage(content),
			Usage:        &stream.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			FinishReason: stream.FinishStop,
		}, nil
	}
}

func toolCallTurn(name string, args map[string]any) providerTurn {
	return func(protocol.Conversation, llms.CompletionOptions) (*llms.Completion, error) {
		call := &protocol.ToolCall{ID: protocol.NewToolCallID(), Name: name, Args: args}
		return &llms.Completion{
			Model:        "gpt-4o",
			Message:      protocol.NewAssistantToolCallMessage("", call),
			ToolCalls:    []*protocol.ToolCall{call},
			FinishReason: stream.FinishToolCalls,
		}, nil
	}
}

func errorTurn(err error) providerTurn {
	return func(protocol.Conversation, llms.CompletionOptions) (*llms.Completion, error) {
		return nil, err
	}
}

func calculatorRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(tools.NewCalculatorTool()))
	return registry
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestController(t *testing.T, provider llms.Provider, registry *tools.Registry, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		WithWindowManager(testWindowManager()),
		WithSleeper(noSleep),
	}
	c, err := New(provider, registry, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestRunToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		toolCallTurn("calculator", map[string]any{"operation": "add", "a": float64(2), "b": float64(3)}),
		func(conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
			last := conv.Last()
			require.Equal(t, protocol.RoleTool, last.Role)
			assert.Contains(t, last.Content, `"result":5`)
			return answerTurn("The answer is 5.")(conv, opts)
		},
	}}

	sink := &SliceSink{}
	c := newTestController(t, provider, calculatorRegistry(t), WithSink(sink))

	state, err := c.Run(t.Context(), "What is 2+3?")
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, state.Status)
	assert.Contains(t, state.FinalContent(), "5")
	assert.Equal(t, 2, state.Steps)
	assert.Equal(t, 2, provider.calls)
	require.NoError(t, state.Conversation.Validate())

	kinds := map[EventKind]int{}
	for _, e := range sink.Events() {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[EventProviderCall])
	assert.Equal(t, 1, kinds[EventToolCall])
	assert.Equal(t, 1, kinds[EventToolResult])
	assert.Equal(t, 2, kinds[EventAgentStep])

	assert.Equal(t, 15, state.Usage.TotalTokens)
}

func TestRunAnswersDirectly(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("hello")}}
	c := newTestController(t, provider, tools.NewRegistry())

	state, err := c.Run(t.Context(), "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, state.Status)
	assert.Equal(t, "hello", state.FinalContent())
	assert.Equal(t, 1, state.Steps)
	assert.Equal(t, 15, state.Usage.TotalTokens)
}

func TestRunStepLimit(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		toolCallTurn("calculator", map[string]any{"operation": "add", "a": float64(1), "b": float64(1)}),
	}}
	c := newTestController(t, provider, calculatorRegistry(t), WithMaxSteps(2))

	state, err := c.Run(t.Context(), "loop forever")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "step limit reached", state.FailReason)
	assert.Equal(t, 2, provider.calls)
	// The conversation up to the limit is retained for inspection.
	assert.Greater(t, state.Conversation.Len(), 2)
}

func TestRunZeroMaxSteps(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("unused")}}
	c := newTestController(t, provider, tools.NewRegistry(), WithMaxSteps(0))

	state, err := c.Run(t.Context(), "anything")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "step limit reached", state.FailReason)
	assert.Equal(t, 0, provider.calls)
}

func TestRunRetriesRecoverableThenSucceeds(t *testing.T) {
	rateLimited := llmerrors.NewRateLimit("scripted", time.Second)
	provider := &scriptedProvider{script: []providerTurn{
		errorTurn(rateLimited),
		errorTurn(rateLimited),
		answerTurn("recovered"),
	}}
	c := newTestController(t, provider, tools.NewRegistry())

	state, err := c.Run(t.Context(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, state.Status)
	assert.Equal(t, "recovered", state.FinalContent())
	assert.Equal(t, 3, provider.calls)
}

func TestRunRetryExhaustion(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		errorTurn(llmerrors.NewRateLimit("scripted", 0)),
	}}
	c := newTestController(t, provider, tools.NewRegistry())

	state, err := c.Run(t.Context(), "always throttled")
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindRateLimit, llmerrors.KindOf(err))
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 3, provider.calls, "default policy allows exactly three attempts")
}

func TestRunNonRecoverableNotRetried(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		errorTurn(llmerrors.NewAuthentication("scripted", "bad key")),
	}}
	c := newTestController(t, provider, tools.NewRegistry())

	state, err := c.Run(t.Context(), "locked out")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 1, provider.calls)
}

func TestRunCancellation(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("unused")}}
	c := newTestController(t, provider, tools.NewRegistry())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	state, err := c.Run(ctx, "too late")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "cancelled", state.FailReason)
	assert.Equal(t, 0, provider.calls)
}

func TestRunUnknownToolContinues(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		toolCallTurn("time_machine", map[string]any{"year": float64(1985)}),
		func(conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
			last := conv.Last()
			assert.Contains(t, last.Content, "unknown_function")
			return answerTurn("that tool does not exist")(conv, opts)
		},
	}}
	c := newTestController(t, provider, calculatorRegistry(t))

	state, err := c.Run(t.Context(), "go back in time")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, state.Status)
}

func TestRunMissingParameterSurfacesStructuredError(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		toolCallTurn("calculator", map[string]any{"operation": "add", "a": float64(2)}),
		func(conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
			last := conv.Last()
			assert.Contains(t, last.Content, `"isError":true`)
			assert.Contains(t, last.Content, "missing_parameter")
			assert.Contains(t, last.Content, `"b"`)
			return answerTurn("I need the second operand")(conv, opts)
		},
	}}
	c := newTestController(t, provider, calculatorRegistry(t))

	state, err := c.Run(t.Context(), "add 2 and")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, state.Status)
}

type promptEmbedder struct{}

func (promptEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if strings.Contains(strings.ToLower(text), "capital of france") {
		return []float64{0.9, 0.1, 0}, nil
	}
	return []float64{0, 1, 0}, nil
}

func TestRunSemanticCacheHit(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("Paris")}}
	sc, err := cache.New(cache.Config{SimilarityThreshold: 0.9, TTL: time.Minute, MaxEntries: 8}, promptEmbedder{})
	require.NoError(t, err)

	sink := &SliceSink{}
	c := newTestController(t, provider, tools.NewRegistry(), WithCache(sc), WithSink(sink))

	state, err := c.Run(t.Context(), "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", state.FinalContent())
	assert.Equal(t, 1, provider.calls)

	state, err = c.Run(t.Context(), "what's the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", state.FinalContent())
	assert.Equal(t, 1, provider.calls, "second run is served from cache")

	var hits int
	for _, e := range sink.Events() {
		if e.Kind == EventCacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestRunStreaming(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("streamed answer")}}

	var streamed strings.Builder
	c := newTestController(t, provider, tools.NewRegistry(),
		WithChunkHandler(func(chunk stream.Chunk) { streamed.WriteString(chunk.Content) }))

	state, err := c.Run(t.Context(), "stream it")
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", streamed.String())
	assert.Equal(t, StatusComplete, state.Status)
}

// partialStreamProvider delivers one chunk and then fails recoverably.
type partialStreamProvider struct {
	scriptedProvider
}

func (p *partialStreamProvider) StreamComplete(_ context.Context, _ protocol.Conversation, _ llms.CompletionOptions, onChunk llms.ChunkHandler) (*llms.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	onChunk(stream.Chunk{Content: "partial"})
	return nil, llmerrors.NewRateLimit("scripted", 0)
}

func TestRunStreamingPartialDeliveryNotRetried(t *testing.T) {
	provider := &partialStreamProvider{}

	var chunks []string
	c := newTestController(t, provider, tools.NewRegistry(),
		WithChunkHandler(func(chunk stream.Chunk) { chunks = append(chunks, chunk.Content) }))

	state, err := c.Run(t.Context(), "stream it")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 1, provider.calls, "a partially delivered stream is not replayed")
	assert.Equal(t, []string{"partial"}, chunks)
}

// flakyStreamProvider fails before any chunk on the first attempt, then
// streams normally.
type flakyStreamProvider struct {
	scriptedProvider
}

func (p *flakyStreamProvider) StreamComplete(_ context.Context, conv protocol.Conversation, opts llms.CompletionOptions, onChunk llms.ChunkHandler) (*llms.Completion, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		return nil, llmerrors.NewRateLimit("scripted", 0)
	}
	completion, err := answerTurn("recovered")(conv, opts)
	if err == nil {
		onChunk(stream.Chunk{Content: completion.Content})
	}
	return completion, err
}

func TestRunStreamingRetriesBeforeFirstChunk(t *testing.T) {
	provider := &flakyStreamProvider{}

	var streamed strings.Builder
	c := newTestController(t, provider, tools.NewRegistry(),
		WithChunkHandler(func(chunk stream.Chunk) { streamed.WriteString(chunk.Content) }))

	state, err := c.Run(t.Context(), "stream it")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, "recovered", streamed.String())
	assert.Equal(t, StatusComplete, state.Status)
}

func TestRunConcurrentRunsAttributeCacheEvents(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{answerTurn("answer")}}
	sc, err := cache.New(cache.Config{SimilarityThreshold: 0.99, TTL: time.Minute, MaxEntries: 8}, promptEmbedder{})
	require.NoError(t, err)

	c := newTestController(t, provider, tools.NewRegistry(), WithCache(sc))

	queries := []string{"What is the capital of France?", "how do tides work?"}
	states := make([]State, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			states[i], _ = c.Run(t.Context(), q)
		}(i, q)
	}
	wg.Wait()

	// Each run carries exactly one cache event of its own.
	for _, state := range states {
		var cacheEvents int
		for _, e := range state.Events {
			if e.Kind == EventCacheHit || e.Kind == EventCacheMiss {
				cacheEvents++
			}
		}
		assert.Equal(t, 1, cacheEvents)
	}
}

func TestRunRetryHonorsPolicyAttempts(t *testing.T) {
	provider := &scriptedProvider{script: []providerTurn{
		errorTurn(llmerrors.NewNetwork("http://example", nil)),
	}}
	c := newTestController(t, provider, tools.NewRegistry(),
		WithRetryPolicy(backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, MaxAttempts: 5}))

	_, err := c.Run(t.Context(), "never works")
	require.Error(t, err)
	assert.Equal(t, 5, provider.calls)
}
