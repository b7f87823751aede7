package agent

import (
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
)

// Status is the controller's position in the step state machine.
type Status string

const (
	StatusInProgress      Status = "in_progress"
	StatusWaitingForTools Status = "waiting_for_tools"
	StatusComplete        Status = "complete"
	StatusFailed          Status = "failed"
)

// State is an immutable snapshot of a run. Each step yields a fresh value;
// callers holding an earlier snapshot never observe later mutations.
type State struct {
	RunID        string
	Query        string
	Conversation protocol.Conversation
	Status       Status
	FailReason   string
	Steps        int
	Usage        stream.Usage
	Events       []TraceEvent
}

func (s State) withConversation(conv protocol.Conversation) State {
	s.Conversation = conv
	return s
}

func (s State) withStatus(status Status) State {
	s.Status = status
	return s
}

func (s State) withSteps(n int) State {
	s.Steps = n
	return s
}

func (s State) failed(reason string) State {
	s.Status = StatusFailed
	s.FailReason = reason
	return s
}

func (s State) withEvent(event TraceEvent) State {
	events := make([]TraceEvent, len(s.Events), len(s.Events)+1)
	copy(events, s.Events)
	s.Events = append(events, event)
	return s
}

func (s State) addUsage(usage *stream.Usage) State {
	if usage == nil {
		return s
	}
	s.Usage.PromptTokens += usage.PromptTokens
	s.Usage.CompletionTokens += usage.CompletionTokens
	s.Usage.TotalTokens += usage.TotalTokens
	s.Usage.ThinkingTokens += usage.ThinkingTokens
	return s
}

// FinalContent returns the content of the last assistant message, the run's
// answer when Status is Complete.
func (s State) FinalContent() string {
	msgs := s.Conversation.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == protocol.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
