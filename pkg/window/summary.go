package window

import (
	"context"
	"strings"

	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/protocol"
)

// Summarizer produces completions for history summarization. Provider
// adapters satisfy it directly.
type Summarizer interface {
	Complete(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error)
}

const summarySystemPrompt = `You are a conversation summarization assistant.
Summarize the conversation you are given. Preserve key facts, decisions,
user preferences, tool results that may be referenced later, and any
unresolved questions. Use clear, direct prose.`

func (m *Manager) llmSummary(ctx context.Context, text string, target int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.llmTimeout)
	defer cancel()

	maxTokens := target
	conv := protocol.NewConversation(
		protocol.NewSystemMessage(summarySystemPrompt),
		protocol.NewUserMessage("Summarize this conversation:\n\n"+text),
	)
	completion, err := m.summarizer.Complete(ctx, conv, llms.CompletionOptions{MaxTokens: &maxTokens})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Content), nil
}

// deterministicSummary extracts one line per message and truncates the
// result to the token target. No model call involved.
func (m *Manager) deterministicSummary(msgs []*protocol.Message, target int) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(firstLine(msg.Content, 160))
		for _, call := range msg.ToolCalls {
			b.WriteString(" [called " + call.Name + "]")
		}
		b.WriteString("\n")
	}
	return m.truncateToTokens(strings.TrimSpace(b.String()), target)
}

func (m *Manager) truncateToTokens(text string, target int) string {
	if m.counter.CountText(text) <= target {
		return text
	}
	words := strings.Fields(text)
	for len(words) > 1 && m.counter.CountText(strings.Join(words, " ")) > target {
		words = words[:len(words)*9/10]
	}
	return strings.Join(words, " ")
}

func formatForSummary(msgs []*protocol.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		for _, call := range msg.ToolCalls {
			b.WriteString("\n  [tool call " + call.Name + " " + call.ArgsJSON() + "]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(content string, maxLen int) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i]
	}
	if len(content) > maxLen {
		content = content[:maxLen] + "..."
	}
	return content
}
