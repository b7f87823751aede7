// Package tokens provides model-aware token counting for strings, messages,
// and conversations using tiktoken encodings.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/voxtera/maestro/pkg/protocol"
)

type AccuracyClass string

const (
	AccuracyExact       AccuracyClass = "exact"
	AccuracyApproximate AccuracyClass = "approximate"
	AccuracyUnknown     AccuracyClass = "unknown"
)

// Accuracy classifies how closely a tokenizer tracks the provider's own
// accounting. Confidence is meaningful only for approximate tokenizers.
type Accuracy struct {
	Class      AccuracyClass
	Confidence float64
}

// Inflation is the factor the context pipeline applies to counts so that
// optimistic approximate tokenizers do not overrun the real window.
func (a Accuracy) Inflation() float64 {
	switch a.Class {
	case AccuracyExact:
		return 1.0
	case AccuracyApproximate:
		if a.Confidence > 0 {
			return 1.0 / a.Confidence
		}
		return 1.25
	default:
		return 1.1
	}
}

// ResolveTokenizer maps a model name to a tiktoken encoding. First match
// wins; matching is case-insensitive. azure/ prefixes inherit from the
// embedded model name.
func ResolveTokenizer(model string) (encoding string, accuracy Accuracy) {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-4o") || strings.HasPrefix(m, "o1-"):
		return "o200k_base", Accuracy{Class: AccuracyExact}
	case strings.Contains(m, "gpt-4") || strings.Contains(m, "gpt-3.5"):
		return "cl100k_base", Accuracy{Class: AccuracyExact}
	case strings.Contains(m, "gpt-3"):
		return "r50k_base", Accuracy{Class: AccuracyExact}
	case strings.HasPrefix(m, "azure/"):
		return ResolveTokenizer(strings.TrimPrefix(m, "azure/"))
	case strings.HasPrefix(m, "anthropic/") || strings.Contains(m, "claude"):
		return "cl100k_base", Accuracy{Class: AccuracyApproximate, Confidence: 0.75}
	case strings.HasPrefix(m, "ollama/"):
		return "cl100k_base", Accuracy{Class: AccuracyApproximate, Confidence: 0.80}
	default:
		return "cl100k_base", Accuracy{Class: AccuracyUnknown}
	}
}

// Encoder abstracts the BPE so counters can be exercised without loading
// tiktoken vocabularies.
type Encoder interface {
	Count(text string) int
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEncoder) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func getEncoding(name string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[name]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", name, err)
	}

	cacheMu.Lock()
	encodingCache[name] = enc
	cacheMu.Unlock()
	return enc, nil
}

// Counter counts tokens the way the target model's provider does, including
// per-message protocol overhead.
type Counter struct {
	model    string
	encoder  Encoder
	accuracy Accuracy
}

func NewCounter(model string) (*Counter, error) {
	name, accuracy := ResolveTokenizer(model)
	enc, err := getEncoding(name)
	if err != nil {
		return nil, err
	}
	return &Counter{model: model, encoder: &tiktokenEncoder{enc: enc}, accuracy: accuracy}, nil
}

// NewCounterWithEncoder wires a custom encoder; used by tests and by callers
// that bring their own tokenizer.
func NewCounterWithEncoder(model string, enc Encoder) *Counter {
	_, accuracy := ResolveTokenizer(model)
	return &Counter{model: model, encoder: enc, accuracy: accuracy}
}

func (c *Counter) Model() string      { return c.model }
func (c *Counter) Accuracy() Accuracy { return c.accuracy }

func (c *Counter) CountText(text string) int {
	return c.encoder.Count(text)
}

// CountMessage counts the payload of one message: role, content, and any
// tool-call structure. Per-message framing overhead is added at the
// conversation level.
func (c *Counter) CountMessage(msg *protocol.Message) int {
	total := c.encoder.Count(string(msg.Role))
	if msg.Content != "" {
		total += c.encoder.Count(msg.Content)
	}
	if msg.ToolCallID != "" {
		total += c.encoder.Count(msg.ToolCallID)
	}
	for _, call := range msg.ToolCalls {
		total += c.encoder.Count(call.Name)
		total += c.encoder.Count(call.ArgsJSON())
	}
	return total
}

// CountMessages applies the provider accounting format: 3 framing tokens per
// message plus 3 tokens priming the assistant reply.
func (c *Counter) CountMessages(messages []*protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += 3
		total += c.CountMessage(msg)
	}
	total += 3
	return total
}

func (c *Counter) CountConversation(conv protocol.Conversation) int {
	return c.CountMessages(conv.Messages())
}
