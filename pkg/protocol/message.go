// Package protocol defines the message model shared by the agent loop, the
// provider adapters, and the context pipeline.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// NewToolCallID generates a provider-independent tool call identifier.
// Providers that return their own IDs take precedence.
func NewToolCallID() string {
	return "call_" + uuid.NewString()[:8]
}

// Message is a single conversation turn. Exactly one role-specific shape is
// valid:
//
//	system/user:  Content set
//	assistant:    Content and/or ToolCalls set (at least one)
//	tool:         ToolCallID referencing a prior assistant ToolCall, Content
//	              holding the serialized tool output (possibly an error payload)
//
// Messages are shared by reference and never mutated after construction.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// NewAssistantToolCallMessage builds an assistant turn carrying tool calls,
// with optional leading text content.
func NewAssistantToolCallMessage(content string, calls ...*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolMessage builds the answer turn for a single tool call. content
// carries the serialized tool output: a result, an error payload, or a
// compaction marker.
func NewToolMessage(toolCallID, content string) *Message {
	return &Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// HasToolCalls reports whether an assistant message requested tools.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ArgsJSON renders a tool call's arguments as the string form providers
// expect on the wire.
func (tc *ToolCall) ArgsJSON() string {
	if tc.Args == nil {
		return "{}"
	}
	data, err := json.Marshal(tc.Args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (m *Message) validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if m.Content == "" {
			return fmt.Errorf("%s message must have content", m.Role)
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%s message cannot carry tool fields", m.Role)
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message must have content or tool calls")
		}
		for _, tc := range m.ToolCalls {
			if tc == nil || tc.ID == "" {
				return fmt.Errorf("assistant tool call must have an id")
			}
			if tc.Name == "" {
				return fmt.Errorf("tool call %s must have a name", tc.ID)
			}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message must reference a tool call id")
		}
		if m.Content == "" {
			return fmt.Errorf("tool message %s must have content", m.ToolCallID)
		}
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}
