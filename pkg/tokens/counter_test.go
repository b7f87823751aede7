package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voxtera/maestro/pkg/protocol"
)

func TestResolveTokenizer(t *testing.T) {
	tests := []struct {
		model    string
		encoding string
		class    AccuracyClass
	}{
		{"gpt-4o", "o200k_base", AccuracyExact},
		{"gpt-4o-mini", "o200k_base", AccuracyExact},
		{"o1-preview", "o200k_base", AccuracyExact},
		{"GPT-4O", "o200k_base", AccuracyExact},
		{"gpt-4-turbo", "cl100k_base", AccuracyExact},
		{"gpt-3.5-turbo", "cl100k_base", AccuracyExact},
		{"gpt-3-davinci", "r50k_base", AccuracyExact},
		{"azure/gpt-4o", "o200k_base", AccuracyExact},
		{"azure/gpt-4", "cl100k_base", AccuracyExact},
		{"anthropic/claude-sonnet-4", "cl100k_base", AccuracyApproximate},
		{"claude-3-opus", "cl100k_base", AccuracyApproximate},
		{"ollama/llama3", "cl100k_base", AccuracyApproximate},
		{"mistral-large", "cl100k_base", AccuracyUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			encoding, accuracy := ResolveTokenizer(tt.model)
			assert.Equal(t, tt.encoding, encoding)
			assert.Equal(t, tt.class, accuracy.Class)
		})
	}
}

func TestApproximateConfidence(t *testing.T) {
	_, claude := ResolveTokenizer("anthropic/claude-sonnet-4")
	assert.InDelta(t, 0.75, claude.Confidence, 0.001)

	_, ollama := ResolveTokenizer("ollama/llama3")
	assert.InDelta(t, 0.80, ollama.Confidence, 0.001)
}

func TestInflation(t *testing.T) {
	assert.Equal(t, 1.0, Accuracy{Class: AccuracyExact}.Inflation())
	assert.InDelta(t, 1.0/0.75, Accuracy{Class: AccuracyApproximate, Confidence: 0.75}.Inflation(), 0.001)
	assert.Equal(t, 1.1, Accuracy{Class: AccuracyUnknown}.Inflation())
}

// wordEncoder counts whitespace-separated words. Deterministic and offline.
type wordEncoder struct{}

func (wordEncoder) Count(text string) int {
	return len(strings.Fields(text))
}

func TestCountMessagesOverhead(t *testing.T) {
	c := NewCounterWithEncoder("gpt-4o", wordEncoder{})

	messages := []*protocol.Message{
		protocol.NewSystemMessage("be helpful"),
		protocol.NewUserMessage("hello there"),
	}

	// role(1) + content(2) per message, +3 framing each, +3 priming.
	want := (1 + 2 + 3) + (1 + 2 + 3) + 3
	assert.Equal(t, want, c.CountMessages(messages))
}

func TestCountMessageToolCalls(t *testing.T) {
	c := NewCounterWithEncoder("gpt-4o", wordEncoder{})

	msg := protocol.NewAssistantToolCallMessage("",
		&protocol.ToolCall{ID: "call_1", Name: "search", Args: map[string]any{"q": "weather"}})

	// role + tool name + serialized args ({"q":"weather"} is one field).
	assert.Equal(t, 1+1+1, c.CountMessage(msg))
}

func TestCountConversationMatchesMessages(t *testing.T) {
	c := NewCounterWithEncoder("gpt-4o", wordEncoder{})

	conv := protocol.NewConversation(
		protocol.NewSystemMessage("be helpful"),
		protocol.NewUserMessage("what is the capital of France"),
	)
	assert.Equal(t, c.CountMessages(conv.Messages()), c.CountConversation(conv))
}
