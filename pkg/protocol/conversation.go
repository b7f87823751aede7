package protocol

import (
	"fmt"

	"github.com/voxtera/maestro/pkg/llmerrors"
)

// Conversation is an append-only ordered sequence of messages. Append copies
// the backing slice, so every value is safe to hand out: earlier snapshots
// never observe later turns.
type Conversation struct {
	messages []*Message
}

func NewConversation(messages ...*Message) Conversation {
	c := Conversation{messages: make([]*Message, len(messages))}
	copy(c.messages, messages)
	return c
}

// Append returns a new conversation with the messages added.
func (c Conversation) Append(messages ...*Message) Conversation {
	next := make([]*Message, 0, len(c.messages)+len(messages))
	next = append(next, c.messages...)
	next = append(next, messages...)
	return Conversation{messages: next}
}

// Messages returns the backing message list. Callers must not mutate it.
func (c Conversation) Messages() []*Message { return c.messages }

func (c Conversation) Len() int { return len(c.messages) }

// Last returns the most recent message, or nil for an empty conversation.
func (c Conversation) Last() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Validate checks conversation well-formedness:
//
//   - every message is individually valid for its role
//   - tool call IDs are unique across the conversation
//   - every tool message answers a tool call from the preceding assistant turn
//   - every tool call is answered exactly once before the next assistant
//     turn, or the conversation ends (terminal state is allowed)
func (c Conversation) Validate() error {
	return ValidateMessages(c.messages)
}

// ValidateMessages applies the conversation invariant to a raw message list.
func ValidateMessages(messages []*Message) error {
	seen := make(map[string]bool)       // all tool call ids ever emitted
	outstanding := make(map[string]bool) // emitted but not yet answered

	for i, m := range messages {
		if m == nil {
			return llmerrors.NewValidation("messages", fmt.Sprintf("message %d is nil", i))
		}
		if err := m.validate(); err != nil {
			return llmerrors.NewValidation("messages", err.Error())
		}

		switch m.Role {
		case RoleAssistant:
			if len(outstanding) > 0 {
				return llmerrors.NewValidation("messages",
					fmt.Sprintf("message %d: assistant turn before %d tool call(s) were answered", i, len(outstanding)))
			}
			for _, tc := range m.ToolCalls {
				if seen[tc.ID] {
					return llmerrors.NewValidation("messages",
						fmt.Sprintf("message %d: duplicate tool call id %s", i, tc.ID))
				}
				seen[tc.ID] = true
				outstanding[tc.ID] = true
			}
		case RoleTool:
			if !outstanding[m.ToolCallID] {
				if seen[m.ToolCallID] {
					return llmerrors.NewValidation("messages",
						fmt.Sprintf("message %d: tool call %s answered more than once", i, m.ToolCallID))
				}
				return llmerrors.NewValidation("messages",
					fmt.Sprintf("message %d: tool message references unknown call id %s", i, m.ToolCallID))
			}
			delete(outstanding, m.ToolCallID)
		}
	}

	// Outstanding calls at the end are legal: the conversation is mid-step.
	return nil
}

// OutstandingToolCalls returns the tool calls from the last assistant turn
// that have not yet been answered, in emission order.
func (c Conversation) OutstandingToolCalls() []*ToolCall {
	answered := make(map[string]bool)
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role == RoleAssistant {
			var pending []*ToolCall
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					pending = append(pending, tc)
				}
			}
			return pending
		}
	}
	return nil
}
