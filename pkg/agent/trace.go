package agent

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventKind labels entries in the run's trace stream.
type EventKind string

const (
	EventAgentStep       EventKind = "agent_step"
	EventProviderCall    EventKind = "provider_call"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventCacheHit        EventKind = "cache_hit"
	EventCacheMiss       EventKind = "cache_miss"
	EventContextPipeline EventKind = "context_pipeline_applied"
	EventError           EventKind = "error"
)

// TraceEvent records one observable action of the controller. Events are
// emitted in step order.
type TraceEvent struct {
	Kind             EventKind `json:"kind"`
	Step             int       `json:"step"`
	Time             time.Time `json:"time"`
	Model            string    `json:"model,omitempty"`
	DurationMs       int64     `json:"duration_ms,omitempty"`
	InputTokens      int       `json:"input_tokens,omitempty"`
	OutputTokens     int       `json:"output_tokens,omitempty"`
	Tool             string    `json:"tool,omitempty"`
	CallID           string    `json:"call_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	PipelineSteps    []string  `json:"pipeline_steps,omitempty"`
	CompressionRatio float64   `json:"compression_ratio,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Sink receives trace events as they happen.
type Sink interface {
	Emit(event TraceEvent)
}

// SliceSink collects events in memory.
type SliceSink struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (s *SliceSink) Emit(event TraceEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *SliceSink) Events() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceEvent(nil), s.events...)
}

// WriterSink streams events as JSON lines.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Emit(event TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Encoding failures are swallowed; tracing must never fail a run.
	_ = s.enc.Encode(event)
}
