package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtera/maestro/pkg/llmerrors"
)

func TestAppendIsCopyOnWrite(t *testing.T) {
	base := NewConversation(NewSystemMessage("assist"))
	withUser := base.Append(NewUserMessage("hello"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, withUser.Len())

	// Appending to the snapshot must not leak into the newer value.
	again := base.Append(NewUserMessage("other"))
	assert.Equal(t, "hello", withUser.Messages()[1].Content)
	assert.Equal(t, "other", again.Messages()[1].Content)
}

func TestValidateWellFormed(t *testing.T) {
	conv := NewConversation(
		NewSystemMessage("assist"),
		NewUserMessage("what is 2+3?"),
		NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "calculator", Args: map[string]any{"a": 2.0}}),
		NewToolMessage("call_1", `{"result":5}`),
		NewAssistantMessage("The answer is 5."),
	)
	require.NoError(t, conv.Validate())
}

func TestValidateRejectsMalformed(t *testing.T) {
	tests := []struct {
		name     string
		messages []*Message
	}{
		{
			name: "tool message without matching call",
			messages: []*Message{
				NewUserMessage("hi"),
				NewToolMessage("call_missing", `{"result":1}`),
			},
		},
		{
			name: "duplicate tool call id",
			messages: []*Message{
				NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "a"}),
				NewToolMessage("call_1", `{}`),
				NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "b"}),
			},
		},
		{
			name: "tool call answered twice",
			messages: []*Message{
				NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "a"}),
				NewToolMessage("call_1", `{}`),
				NewToolMessage("call_1", `{}`),
			},
		},
		{
			name: "assistant turn before answers",
			messages: []*Message{
				NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "a"}),
				NewAssistantMessage("skipping ahead"),
			},
		},
		{
			name: "assistant with neither content nor calls",
			messages: []*Message{
				{Role: RoleAssistant},
			},
		},
		{
			name: "empty tool content",
			messages: []*Message{
				NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "a"}),
				{Role: RoleTool, ToolCallID: "call_1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessages(tt.messages)
			require.Error(t, err)
			assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
		})
	}
}

func TestOutstandingAtEndIsTerminal(t *testing.T) {
	// Unanswered calls at the end of the list are mid-step, not an error.
	conv := NewConversation(
		NewUserMessage("go"),
		NewAssistantToolCallMessage("", &ToolCall{ID: "call_1", Name: "a"}, &ToolCall{ID: "call_2", Name: "b"}),
		NewToolMessage("call_1", `{}`),
	)
	require.NoError(t, conv.Validate())

	pending := conv.OutstandingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "call_2", pending[0].ID)
}

func TestArgsJSON(t *testing.T) {
	tc := &ToolCall{ID: "call_1", Name: "calc", Args: map[string]any{"operation": "add"}}
	assert.JSONEq(t, `{"operation":"add"}`, tc.ArgsJSON())

	empty := &ToolCall{ID: "call_2", Name: "clock"}
	assert.Equal(t, "{}", empty.ArgsJSON())
}
