// Package llms contains the provider client abstraction and the HTTP
// adapters for OpenAI-compatible and Anthropic chat APIs.
package llms

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
)

type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// BudgetTokens maps an effort level to its default thinking budget.
func (e ReasoningEffort) BudgetTokens() int {
	switch e {
	case EffortLow:
		return 4096
	case EffortMedium:
		return 16384
	case EffortHigh:
		return 32768
	}
	return 0
}

// CompletionOptions tunes one provider call. Nil pointer fields mean
// provider defaults.
type CompletionOptions struct {
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	ReasoningEffort ReasoningEffort  `json:"reasoning_effort,omitempty"`
	BudgetTokens    *int             `json:"budget_tokens,omitempty"`
	Tools           []map[string]any `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
}

// EffectiveBudgetTokens resolves the thinking budget: an explicit value wins
// over the effort mapping.
func (o CompletionOptions) EffectiveBudgetTokens() int {
	if o.BudgetTokens != nil {
		return *o.BudgetTokens
	}
	return o.ReasoningEffort.BudgetTokens()
}

// Hash fingerprints the non-default option fields. Used as the exact-match
// half of the semantic cache key.
func (o CompletionOptions) Hash() string {
	fields := map[string]any{}
	if o.Temperature != nil {
		fields["temperature"] = *o.Temperature
	}
	if o.MaxTokens != nil {
		fields["max_tokens"] = *o.MaxTokens
	}
	if o.TopP != nil {
		fields["top_p"] = *o.TopP
	}
	if o.ReasoningEffort != "" {
		fields["reasoning_effort"] = string(o.ReasoningEffort)
	}
	if o.BudgetTokens != nil {
		fields["budget_tokens"] = *o.BudgetTokens
	}
	if o.ToolChoice != "" {
		fields["tool_choice"] = o.ToolChoice
	}
	if len(o.Tools) > 0 {
		names := make([]string, 0, len(o.Tools))
		for _, tool := range o.Tools {
			if fn, ok := tool["function"].(map[string]any); ok {
				if name, ok := fn["name"].(string); ok {
					names = append(names, name)
				}
			}
		}
		sort.Strings(names)
		fields["tools"] = names
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		data, _ := json.Marshal(fields[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(data)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Completion is a provider response, final for both blocking and streaming
// calls.
type Completion struct {
	ID           string               `json:"id"`
	Created      int64                `json:"created"`
	Model        string               `json:"model"`
	Content      string               `json:"content"`
	Message      *protocol.Message    `json:"message"`
	ToolCalls    []*protocol.ToolCall `json:"tool_calls,omitempty"`
	Usage        *stream.Usage        `json:"usage,omitempty"`
	Thinking     string               `json:"thinking,omitempty"`
	FinishReason stream.FinishReason  `json:"finish_reason,omitempty"`
}

// ChunkHandler receives streamed chunks sequentially in provider order.
type ChunkHandler func(stream.Chunk)
