package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finish(r FinishReason) *FinishReason { return &r }

func TestAccumulateContent(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{Content: "Hello"})
	a.Add(Chunk{Content: ", "})
	a.Add(Chunk{Content: "world"})
	a.Add(Chunk{FinishReason: finish(FinishStop)})

	assert.Equal(t, "Hello, world", a.Content())
	reason, ok := a.FinishReason()
	require.True(t, ok)
	assert.Equal(t, FinishStop, reason)
}

func TestToolCallDraftUpsert(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: 0, ID: "call_abc", Name: "calculator"}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: 0, ArgumentsFragment: `{"operation":`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: 0, ArgumentsFragment: `"add","a":2,"b":3}`}})
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: 1, ID: "call_def", Name: "clock", ArgumentsFragment: `{}`}})
	a.Add(Chunk{FinishReason: finish(FinishToolCalls)})

	calls, err := a.ToolCalls()
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "call_abc", calls[0].ID)
	assert.Equal(t, "calculator", calls[0].Name)
	assert.Equal(t, map[string]any{"operation": "add", "a": float64(2), "b": float64(3)}, calls[0].Args)

	assert.Equal(t, "call_def", calls[1].ID)
	assert.Equal(t, "clock", calls[1].Name)
	assert.Empty(t, calls[1].Args)
}

func TestChunksAfterFinishIgnored(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{Content: "done"})
	a.Add(Chunk{FinishReason: finish(FinishStop)})
	a.Add(Chunk{Content: " extra"})
	a.Add(Chunk{FinishReason: finish(FinishLength)})

	assert.Equal(t, "done", a.Content())
	reason, _ := a.FinishReason()
	assert.Equal(t, FinishStop, reason)
}

func TestUsageMergesAfterFinish(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{Usage: &Usage{TotalTokens: 10}})
	a.Add(Chunk{FinishReason: finish(FinishStop)})
	a.Add(Chunk{Usage: &Usage{PromptTokens: 7, CompletionTokens: 5, TotalTokens: 12}})

	require.NotNil(t, a.Usage())
	assert.Equal(t, 12, a.Usage().TotalTokens)
	assert.Equal(t, 7, a.Usage().PromptTokens)
}

func TestMalformedArgumentsSurface(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{ToolCall: &ToolCallDelta{Index: 0, Name: "calculator", ArgumentsFragment: `{"a":`}})

	_, err := a.ToolCalls()
	assert.Error(t, err)
}

func TestMessageShapes(t *testing.T) {
	a := NewAccumulator()
	a.Add(Chunk{Content: "plain answer"})
	msg, err := a.Message()
	require.NoError(t, err)
	assert.False(t, msg.HasToolCalls())
	assert.Equal(t, "plain answer", msg.Content)

	b := NewAccumulator()
	b.Add(Chunk{ToolCall: &ToolCallDelta{Index: 0, Name: "echo", ArgumentsFragment: `{"text":"hi"}`}})
	msg, err = b.Message()
	require.NoError(t, err)
	assert.True(t, msg.HasToolCalls())
	assert.NotEmpty(t, msg.ToolCalls[0].ID)
}
