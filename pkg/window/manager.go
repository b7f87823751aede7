// Package window keeps conversation token counts under a provider budget.
// It applies an ordered sequence of compression steps and stops as soon as
// the budget is met, so callers can assert exactly which steps ran.
package window

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/tokens"
)

// Step identifies a compression step in the order it may run.
type Step string

const (
	StepToolCompaction Step = "ToolDeterministicCompaction"
	StepHistorySummary Step = "HistoryCompression"
	StepLLMSqueeze     Step = "LLMSqueeze"
	StepFinalTrim      Step = "FinalTokenTrim"
)

const summaryPrefix = "[HISTORY_SUMMARY]"

// ManagedWindow reports the outcome of one pipeline run.
type ManagedWindow struct {
	Conversation     protocol.Conversation
	StepsApplied     []Step
	OriginalTokens   int
	FinalTokens      int
	CompressionRatio float64
	WasTrimmed       bool
	RemovedMessages  int
}

// Manager runs the compression pipeline against a token counter and an
// optional summarization backend.
type Manager struct {
	counter    *tokens.Counter
	store      Store
	summarizer Summarizer
	tracer     trace.Tracer

	perCallThreshold int
	edgeTokens       int
	projectionKeys   []string
	recentTurns      int
	deterministic    bool
	llmSummaries     bool
	summaryTarget    int
	llmTimeout       time.Duration
}

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithSummarizer enables provider-backed summarization.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithPerCallThreshold sets the token size above which an individual tool
// output is externalized and replaced with a marker.
func WithPerCallThreshold(n int) Option {
	return func(m *Manager) { m.perCallThreshold = n }
}

// WithEdgeTokens sets how many leading and trailing tokens of a compacted
// payload survive in the digest.
func WithEdgeTokens(n int) Option {
	return func(m *Manager) { m.edgeTokens = n }
}

// WithProjectionKeys names top-level JSON keys preserved verbatim when a tool
// payload is compacted.
func WithProjectionKeys(keys ...string) Option {
	return func(m *Manager) { m.projectionKeys = keys }
}

// WithRecentTurns sets how many trailing turns stay verbatim when history is
// summarized.
func WithRecentTurns(n int) Option {
	return func(m *Manager) { m.recentTurns = n }
}

func WithDeterministicCompression(enabled bool) Option {
	return func(m *Manager) { m.deterministic = enabled }
}

func WithLLMCompression(enabled bool) Option {
	return func(m *Manager) { m.llmSummaries = enabled }
}

func WithSummaryTokenTarget(n int) Option {
	return func(m *Manager) { m.summaryTarget = n }
}

func WithLLMTimeout(d time.Duration) Option {
	return func(m *Manager) { m.llmTimeout = d }
}

func New(counter *tokens.Counter, opts ...Option) *Manager {
	m := &Manager{
		counter:          counter,
		store:            NewMemoryStore(),
		tracer:           observability.GetTracer("maestro.window"),
		perCallThreshold: 512,
		edgeTokens:       50,
		recentTurns:      4,
		deterministic:    true,
		summaryTarget:    400,
		llmTimeout:       15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the externalized-payload store for rehydration.
func (m *Manager) Store() Store { return m.store }

// Manage compresses conv until its token count fits budget. A conversation
// already within budget is returned unchanged with no steps applied. If every
// step runs and the conversation still exceeds budget, a context error is
// returned.
func (m *Manager) Manage(ctx context.Context, conv protocol.Conversation, budget int) (*ManagedWindow, error) {
	ctx, span := m.tracer.Start(ctx, observability.SpanContextManage)
	defer span.End()

	original := m.effectiveTokens(conv.Messages())
	win := &ManagedWindow{
		Conversation:     conv,
		OriginalTokens:   original,
		FinalTokens:      original,
		CompressionRatio: 1.0,
	}
	if conv.Len() == 0 || original <= budget {
		return win, nil
	}

	msgs := append([]*protocol.Message(nil), conv.Messages()...)

	if compacted, changed := m.compactToolOutputs(msgs); changed {
		msgs = compacted
		win.StepsApplied = append(win.StepsApplied, StepToolCompaction)
	}

	if m.over(msgs, budget) && (m.deterministic || m.llmSummaries) {
		if summarized, changed := m.compressHistory(ctx, msgs); changed {
			msgs = summarized
			win.StepsApplied = append(win.StepsApplied, StepHistorySummary)
		}
	}

	if m.over(msgs, budget) && m.llmSummaries && m.summarizer != nil {
		if squeezed, changed := m.squeezeSummary(ctx, msgs); changed {
			msgs = squeezed
			win.StepsApplied = append(win.StepsApplied, StepLLMSqueeze)
		}
	}

	if m.over(msgs, budget) {
		trimmed, removed := m.trimOldest(msgs, budget)
		if removed > 0 {
			msgs = trimmed
			win.WasTrimmed = true
			win.RemovedMessages = removed
			win.StepsApplied = append(win.StepsApplied, StepFinalTrim)
		}
	}

	final := m.effectiveTokens(msgs)
	if final > budget {
		err := llmerrors.NewContextError("cannot fit within budget")
		span.RecordError(err)
		return nil, err
	}

	win.Conversation = protocol.NewConversation(msgs...)
	win.FinalTokens = final
	win.CompressionRatio = float64(final) / float64(original)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordContextCompression(ctx, original, final)
	}
	span.SetAttributes(attribute.String(observability.AttrPipelineSteps, joinSteps(win.StepsApplied)))
	return win, nil
}

// effectiveTokens inflates the raw count by the tokenizer's accuracy factor
// so approximate tokenizers get wider safety margins.
func (m *Manager) effectiveTokens(msgs []*protocol.Message) int {
	count := m.counter.CountMessages(msgs)
	return int(math.Ceil(float64(count) * m.counter.Accuracy().Inflation()))
}

func (m *Manager) over(msgs []*protocol.Message, budget int) bool {
	return m.effectiveTokens(msgs) > budget
}

// compactToolOutputs externalizes oversized tool payloads, leaving a marker
// plus a bounded digest in their place. Tool-call ids survive so the
// conversation stays well formed.
func (m *Manager) compactToolOutputs(msgs []*protocol.Message) ([]*protocol.Message, bool) {
	out := append([]*protocol.Message(nil), msgs...)
	changed := false
	for i, msg := range out {
		if msg.Role != protocol.RoleTool {
			continue
		}
		if m.counter.CountText(msg.Content) <= m.perCallThreshold {
			continue
		}
		hash := m.store.Put(msg.Content)
		marker := fmt.Sprintf("[TOOL_OUTPUT_TRUNCATED #%s %d]", hash, len(msg.Content))
		out[i] = protocol.NewToolMessage(msg.ToolCallID, marker+"\n"+m.digest(msg.Content))
		changed = true
	}
	return out, changed
}

// digest keeps the payload's head and tail plus any projected JSON keys.
func (m *Manager) digest(payload string) string {
	words := strings.Fields(payload)
	body := payload
	if len(words) > 2*m.edgeTokens {
		head := strings.Join(words[:m.edgeTokens], " ")
		tail := strings.Join(words[len(words)-m.edgeTokens:], " ")
		body = head + " ... " + tail
	}

	if len(m.projectionKeys) == 0 {
		return body
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return body
	}
	projected := make(map[string]any)
	for _, key := range m.projectionKeys {
		if v, ok := decoded[key]; ok {
			projected[key] = v
		}
	}
	if len(projected) == 0 {
		return body
	}
	data, err := json.Marshal(projected)
	if err != nil {
		return body
	}
	return body + "\n" + string(data)
}

// compressHistory replaces the oldest turns with one pinned summary message,
// keeping the most recent turns verbatim. A turn starts at a user message, so
// the retained suffix never opens with a dangling tool result.
func (m *Manager) compressHistory(ctx context.Context, msgs []*protocol.Message) ([]*protocol.Message, bool) {
	cut := m.turnCut(msgs)
	if cut <= 0 {
		return msgs, false
	}

	var pinned []*protocol.Message
	var prefix []*protocol.Message
	for _, msg := range msgs[:cut] {
		if msg.Role == protocol.RoleSystem {
			pinned = append(pinned, msg)
		} else {
			prefix = append(prefix, msg)
		}
	}
	if len(prefix) == 0 {
		return msgs, false
	}

	summary := m.summarize(ctx, prefix, m.summaryTarget)
	if summary == "" {
		return msgs, false
	}

	out := append([]*protocol.Message(nil), pinned...)
	out = append(out, protocol.NewSystemMessage(summaryPrefix+" "+summary))
	out = append(out, msgs[cut:]...)
	return out, true
}

// turnCut returns the index where the retained suffix begins: the start of
// the recentTurns-th user turn from the end.
func (m *Manager) turnCut(msgs []*protocol.Message) int {
	turns := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == protocol.RoleUser {
			turns++
			if turns >= m.recentTurns {
				return i
			}
		}
	}
	return 0
}

func (m *Manager) summarize(ctx context.Context, msgs []*protocol.Message, target int) string {
	if m.llmSummaries && m.summarizer != nil {
		summary, err := m.llmSummary(ctx, formatForSummary(msgs), target)
		if err == nil && summary != "" {
			return summary
		}
		slog.Warn("llm summarization failed, falling back", "error", err)
	}
	if !m.deterministic {
		return ""
	}
	return m.deterministicSummary(msgs, target)
}

// squeezeSummary reruns LLM summarization over the existing summary with a
// tighter target, shrinking the digest in place.
func (m *Manager) squeezeSummary(ctx context.Context, msgs []*protocol.Message) ([]*protocol.Message, bool) {
	idx := -1
	for i, msg := range msgs {
		if msg.Role == protocol.RoleSystem && strings.HasPrefix(msg.Content, summaryPrefix) {
			idx = i
		}
	}
	if idx < 0 {
		return msgs, false
	}

	existing := strings.TrimSpace(strings.TrimPrefix(msgs[idx].Content, summaryPrefix))
	squeezed, err := m.llmSummary(ctx, existing, m.summaryTarget/2)
	if err != nil || squeezed == "" {
		slog.Warn("llm squeeze failed", "error", err)
		return msgs, false
	}

	out := append([]*protocol.Message(nil), msgs...)
	out[idx] = protocol.NewSystemMessage(summaryPrefix + " " + squeezed)
	return out, true
}

// trimOldest deletes the oldest non-pinned messages until the budget is met.
// System messages (including summaries) are never removed. Removing an
// assistant message that requested tools also removes the now-orphaned tool
// results so the conversation stays valid.
func (m *Manager) trimOldest(msgs []*protocol.Message, budget int) ([]*protocol.Message, int) {
	out := append([]*protocol.Message(nil), msgs...)
	removed := 0

	for m.over(out, budget) {
		idx := -1
		for i, msg := range out {
			if msg.Role != protocol.RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		victim := out[idx]
		orphaned := map[string]bool{}
		for _, call := range victim.ToolCalls {
			orphaned[call.ID] = true
		}

		next := out[:idx:idx]
		for _, msg := range out[idx+1:] {
			if msg.Role == protocol.RoleTool && orphaned[msg.ToolCallID] {
				removed++
				continue
			}
			next = append(next, msg)
		}
		out = next
		removed++
	}
	return out, removed
}

func joinSteps(steps []Step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
