package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/protocol"
)

// stubEmbedder returns preset vectors keyed by exact prompt text.
type stubEmbedder struct {
	vectors map[string][]float64
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

func userConv(query string) protocol.Conversation {
	return protocol.NewConversation(
		protocol.NewSystemMessage("be helpful"),
		protocol.NewUserMessage(query),
	)
}

func validConfig() Config {
	return Config{SimilarityThreshold: 0.9, TTL: 5 * time.Minute, MaxEntries: 16}
}

func TestNewValidation(t *testing.T) {
	embedder := &stubEmbedder{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"threshold above one", Config{SimilarityThreshold: 1.5, TTL: time.Minute, MaxEntries: 1}},
		{"negative threshold", Config{SimilarityThreshold: -0.1, TTL: time.Minute, MaxEntries: 1}},
		{"zero ttl", Config{SimilarityThreshold: 0.9, TTL: 0, MaxEntries: 1}},
		{"zero max entries", Config{SimilarityThreshold: 0.9, TTL: time.Minute, MaxEntries: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, embedder)
			require.Error(t, err)
			assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
		})
	}

	_, err := New(validConfig(), nil)
	require.Error(t, err)

	_, err = New(validConfig(), embedder)
	require.NoError(t, err)
}

func TestLookupHitOnEquivalentPrompt(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"system: be helpful\nuser: what is the capital of France?":   {1, 0, 0},
		"system: be helpful\nuser: what's the capital city, France?": {0.99, 0.1, 0},
	}}
	c, err := New(validConfig(), embedder)
	require.NoError(t, err)

	stored := &llms.Completion{Content: "Paris"}
	ok, err := c.Store(t.Context(), userConv("what is the capital of France?"), llms.CompletionOptions{}, stored)
	require.NoError(t, err)
	require.True(t, ok)

	got, reason, err := c.Lookup(t.Context(), userConv("what's the capital city, France?"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Empty(t, reason)
	require.NotNil(t, got)
	assert.Equal(t, "Paris", got.Content)
}

func TestLookupLowSimilarity(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"system: be helpful\nuser: capital of France": {1, 0, 0},
		"system: be helpful\nuser: boiling point":     {0, 1, 0},
	}}
	c, err := New(validConfig(), embedder)
	require.NoError(t, err)

	_, err = c.Store(t.Context(), userConv("capital of France"), llms.CompletionOptions{}, &llms.Completion{Content: "Paris"})
	require.NoError(t, err)

	got, reason, err := c.Lookup(t.Context(), userConv("boiling point"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, MissLowSimilarity, reason)
}

func TestLookupOptionsMismatch(t *testing.T) {
	embedder := &stubEmbedder{}
	c, err := New(validConfig(), embedder)
	require.NoError(t, err)

	_, err = c.Store(t.Context(), userConv("q"), llms.CompletionOptions{}, &llms.Completion{Content: "a"})
	require.NoError(t, err)

	temp := 0.2
	got, reason, err := c.Lookup(t.Context(), userConv("q"), llms.CompletionOptions{Temperature: &temp})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, MissOptionsMismatch, reason)
}

func TestLookupTTLExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	c, err := New(Config{SimilarityThreshold: 0.9, TTL: time.Minute, MaxEntries: 4},
		&stubEmbedder{}, WithClock(clock))
	require.NoError(t, err)

	_, err = c.Store(t.Context(), userConv("q"), llms.CompletionOptions{}, &llms.Completion{Content: "a"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, reason, err := c.Lookup(t.Context(), userConv("q"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, MissTTLExpired, reason)
	assert.Equal(t, 0, c.Size(), "expired entries are evicted on lookup")
}

func TestStoreCapacityReject(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"system: be helpful\nuser: first":  {1, 0, 0},
		"system: be helpful\nuser: second": {0, 1, 0},
	}}
	c, err := New(Config{SimilarityThreshold: 0.9, TTL: time.Minute, MaxEntries: 1}, embedder)
	require.NoError(t, err)

	ok, err := c.Store(t.Context(), userConv("first"), llms.CompletionOptions{}, &llms.Completion{Content: "1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Store(t.Context(), userConv("second"), llms.CompletionOptions{}, &llms.Completion{Content: "2"})
	require.NoError(t, err)
	assert.False(t, ok, "existing entries are never displaced")

	got, _, err := c.Lookup(t.Context(), userConv("first"), llms.CompletionOptions{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1", got.Content)
}

func TestPromptKeyExcludesAssistantAndTool(t *testing.T) {
	conv := protocol.NewConversation(
		protocol.NewSystemMessage("be helpful"),
		protocol.NewUserMessage("run the tool"),
		protocol.NewAssistantToolCallMessage("working on it",
			&protocol.ToolCall{ID: "call_1", Name: "search", Args: map[string]any{}}),
		protocol.NewToolMessage("call_1", `{"secret":"value"}`),
	)

	key := PromptKey(conv)
	assert.Equal(t, "system: be helpful\nuser: run the tool", key)
}

type countingCompleter struct {
	calls      int
	completion *llms.Completion
}

func (c *countingCompleter) Complete(context.Context, protocol.Conversation, llms.CompletionOptions) (*llms.Completion, error) {
	c.calls++
	return c.completion, nil
}

func TestCachingCompleter(t *testing.T) {
	c, err := New(validConfig(), &stubEmbedder{})
	require.NoError(t, err)

	inner := &countingCompleter{completion: &llms.Completion{Content: "fresh"}}
	wrapped := NewCachingCompleter(inner, c)

	got, outcome, err := wrapped.CompleteWithOutcome(t.Context(), userConv("q"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Content)
	assert.Equal(t, 1, inner.calls)
	assert.False(t, outcome.Hit)
	assert.Equal(t, MissLowSimilarity, outcome.Reason)

	got, outcome, err = wrapped.CompleteWithOutcome(t.Context(), userConv("q"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Content)
	assert.Equal(t, 1, inner.calls, "second call is served from cache")
	assert.True(t, outcome.Hit)
}

func TestCachingCompleterCapacityReject(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"system: be helpful\nuser: first":  {1, 0, 0},
		"system: be helpful\nuser: second": {0, 1, 0},
	}}
	c, err := New(Config{SimilarityThreshold: 0.9, TTL: time.Minute, MaxEntries: 1}, embedder)
	require.NoError(t, err)

	inner := &countingCompleter{completion: &llms.Completion{Content: "fresh"}}
	wrapped := NewCachingCompleter(inner, c)

	_, _, err = wrapped.CompleteWithOutcome(t.Context(), userConv("first"), llms.CompletionOptions{})
	require.NoError(t, err)

	_, outcome, err := wrapped.CompleteWithOutcome(t.Context(), userConv("second"), llms.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, MissCapacityReject, outcome.Reason)
}
