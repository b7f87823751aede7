// Package stream assembles provider streaming chunks into a final
// completion: content buffer, tool-call drafts, finish reason, and usage.
package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/voxtera/maestro/pkg/protocol"
)

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
}

// ToolCallDelta is one streamed fragment of a tool call, keyed by the
// provider-assigned index.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}

// Chunk is one streamed event. Any subset of fields may be set.
type Chunk struct {
	Content      string
	ToolCall     *ToolCallDelta
	FinishReason *FinishReason
	Usage        *Usage
}

type draft struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator merges chunks delivered in producer order. It is not safe for
// concurrent use; providers invoke it from a single producer goroutine.
type Accumulator struct {
	content  strings.Builder
	drafts   map[int]*draft
	finish   *FinishReason
	usage    *Usage
	finished bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{drafts: make(map[int]*draft)}
}

// Add merges one chunk. Content and tool-call deltas arriving after the
// finish reason are dropped; usage still merges because providers commonly
// emit the final accounting after the finish chunk.
func (a *Accumulator) Add(c Chunk) {
	if c.Usage != nil {
		u := *c.Usage
		a.usage = &u
	}

	if a.finished {
		return
	}

	if c.Content != "" {
		a.content.WriteString(c.Content)
	}

	if c.ToolCall != nil {
		d, ok := a.drafts[c.ToolCall.Index]
		if !ok {
			d = &draft{}
			a.drafts[c.ToolCall.Index] = d
		}
		if c.ToolCall.ID != "" {
			d.id = c.ToolCall.ID
		}
		if c.ToolCall.Name != "" {
			d.name = c.ToolCall.Name
		}
		if c.ToolCall.ArgumentsFragment != "" {
			d.args.WriteString(c.ToolCall.ArgumentsFragment)
		}
	}

	if c.FinishReason != nil {
		reason := *c.FinishReason
		a.finish = &reason
		a.finished = true
	}
}

func (a *Accumulator) Content() string {
	return a.content.String()
}

func (a *Accumulator) FinishReason() (FinishReason, bool) {
	if a.finish == nil {
		return "", false
	}
	return *a.finish, true
}

func (a *Accumulator) Usage() *Usage {
	return a.usage
}

// ToolCalls finalizes the drafts in index order, re-parsing the accumulated
// argument buffers as JSON.
func (a *Accumulator) ToolCalls() ([]*protocol.ToolCall, error) {
	if len(a.drafts) == 0 {
		return nil, nil
	}

	indices := make([]int, 0, len(a.drafts))
	for i := range a.drafts {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	calls := make([]*protocol.ToolCall, 0, len(indices))
	for _, i := range indices {
		d := a.drafts[i]
		if d.name == "" {
			return nil, fmt.Errorf("tool call at index %d has no name", i)
		}

		id := d.id
		if id == "" {
			id = protocol.NewToolCallID()
		}

		args := map[string]any{}
		if raw := d.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("tool call %s has malformed arguments: %w", d.name, err)
			}
		}

		calls = append(calls, &protocol.ToolCall{ID: id, Name: d.name, Args: args})
	}
	return calls, nil
}

// Message builds the assistant message the accumulated stream represents.
func (a *Accumulator) Message() (*protocol.Message, error) {
	calls, err := a.ToolCalls()
	if err != nil {
		return nil, err
	}
	if len(calls) > 0 {
		return protocol.NewAssistantToolCallMessage(a.Content(), calls...), nil
	}
	return protocol.NewAssistantMessage(a.Content()), nil
}
