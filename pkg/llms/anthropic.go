package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtera/maestro/pkg/httpclient"
	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
)

const anthropicVersion = "2023-06-01"

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	model       string
	host        string
	apiKey      string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
	tracer      trace.Tracer
	closeOnce   sync.Once
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicHost(host string) AnthropicOption {
	return func(p *AnthropicProvider) { p.host = host }
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

func NewAnthropicProvider(model, apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		model:       model,
		host:        "https://api.anthropic.com",
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 1.0,
		tracer:      observability.GetTracer("maestro.llm"),
	}
	p.client = httpclient.New(
		httpclient.WithProvider("anthropic"),
		httpclient.WithTimeout(2*time.Minute),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) ContextWindow() int {
	return contextWindowForModel("claude")
}

func (p *AnthropicProvider) ReserveCompletion() int {
	return p.maxTokens
}

func (p *AnthropicProvider) Validate() error {
	var missing []string
	if p.model == "" {
		missing = append(missing, "model")
	}
	if p.apiKey == "" {
		missing = append(missing, "api_key")
	}
	if len(missing) > 0 {
		return llmerrors.NewConfiguration(missing...)
	}
	return nil
}

func (p *AnthropicProvider) Close() error {
	p.closeOnce.Do(func() {
		p.client.CloseIdleConnections()
	})
	return nil
}

// buildRequest translates the conversation. Anthropic keeps the system
// prompt out of the message list and models tool traffic as content blocks:
// assistant tool calls become tool_use blocks and tool answers become
// tool_result blocks inside a user turn.
func (p *AnthropicProvider) buildRequest(conv protocol.Conversation, opts CompletionOptions, streaming bool) anthropicRequest {
	var system []string
	var messages []anthropicMessage

	for _, m := range conv.Messages() {
		switch m.Role {
		case protocol.RoleSystem:
			system = append(system, m.Content)

		case protocol.RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})

		case protocol.RoleAssistant:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})

		case protocol.RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			// Consecutive tool results merge into one user turn.
			if n := len(messages); n > 0 && messages[n-1].Role == "user" &&
				len(messages[n-1].Content) > 0 && messages[n-1].Content[0].Type == "tool_result" {
				messages[n-1].Content = append(messages[n-1].Content, block)
			} else {
				messages = append(messages, anthropicMessage{Role: "user", Content: []anthropicContent{block}})
			}
		}
	}

	req := anthropicRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		System:      strings.Join(system, "\n\n"),
		Stream:      streaming,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if budget := opts.EffectiveBudgetTokens(); budget > 0 {
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}
	for _, tool := range opts.Tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		description, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		req.Tools = append(req.Tools, anthropicTool{
			Name:        name,
			Description: description,
			InputSchema: params,
		})
	}
	return req
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewNetwork("failed to create request", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions) (*Completion, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(attribute.String(observability.AttrLLMModel, p.model)),
	)
	defer span.End()

	completion, err := p.complete(ctx, conv, opts)
	p.record(ctx, span, completion, time.Since(start), err)
	return completion, err
}

func (p *AnthropicProvider) complete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions) (*Completion, error) {
	body, err := json.Marshal(p.buildRequest(conv, opts, false))
	if err != nil {
		return nil, llmerrors.NewProcessing("llm_request", "failed to marshal request", false).WithCause(err)
	}

	req, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, llmerrors.NewProcessing("llm_response", "failed to decode response", false).WithCause(err)
	}
	if decoded.Error != nil {
		return nil, llmerrors.NewProcessing("llm_response", decoded.Error.Message, false)
	}

	var content strings.Builder
	var thinking strings.Builder
	var calls []*protocol.ToolCall
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, &protocol.ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	var message *protocol.Message
	if len(calls) > 0 {
		message = protocol.NewAssistantToolCallMessage(content.String(), calls...)
	} else {
		message = protocol.NewAssistantMessage(content.String())
	}

	usage := &stream.Usage{
		PromptTokens:     decoded.Usage.InputTokens,
		CompletionTokens: decoded.Usage.OutputTokens,
		TotalTokens:      decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
	}

	return &Completion{
		ID:           decoded.ID,
		Created:      time.Now().Unix(),
		Model:        decoded.Model,
		Content:      content.String(),
		Message:      message,
		ToolCalls:    calls,
		Usage:        usage,
		Thinking:     thinking.String(),
		FinishReason: mapAnthropicStopReason(decoded.StopReason),
	}, nil
}

func (p *AnthropicProvider) StreamComplete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.Bool("llm.streaming", true),
		),
	)
	defer span.End()

	completion, err := p.streamComplete(ctx, conv, opts, onChunk)
	p.record(ctx, span, completion, time.Since(start), err)
	return completion, err
}

func (p *AnthropicProvider) streamComplete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
	body, err := json.Marshal(p.buildRequest(conv, opts, true))
	if err != nil {
		return nil, llmerrors.NewProcessing("llm_request", "failed to marshal request", false).WithCause(err)
	}

	req, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := stream.NewAccumulator()
	emit := func(chunk stream.Chunk) {
		acc.Add(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	var meta struct {
		id           string
		model        string
		inputTokens  int
		outputTokens int
	}
	// Block index → accumulator tool-call index, assigned in arrival order.
	toolIndex := map[int]int{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return nil, llmerrors.NewProcessing("llm_stream", event.Error.Message, false)
			}

		case "message_start":
			if event.Message != nil {
				meta.id = event.Message.ID
				meta.model = event.Message.Model
				meta.inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				idx := len(toolIndex)
				toolIndex[event.Index] = idx
				emit(stream.Chunk{ToolCall: &stream.ToolCallDelta{
					Index: idx,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}})
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				emit(stream.Chunk{Content: event.Delta.Text})
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				if idx, ok := toolIndex[event.Index]; ok {
					emit(stream.Chunk{ToolCall: &stream.ToolCallDelta{
						Index:             idx,
						ArgumentsFragment: event.Delta.PartialJSON,
					}})
				}
			}

		case "message_delta":
			if event.Usage != nil {
				meta.outputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				reason := mapAnthropicStopReason(event.Delta.StopReason)
				emit(stream.Chunk{FinishReason: &reason})
			}

		case "message_stop":
			emit(stream.Chunk{Usage: &stream.Usage{
				PromptTokens:     meta.inputTokens,
				CompletionTokens: meta.outputTokens,
				TotalTokens:      meta.inputTokens + meta.outputTokens,
			}})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llmerrors.NewNetwork("failed to read stream", err)
	}

	return p.finalize(acc, meta.id, meta.model)
}

func (p *AnthropicProvider) finalize(acc *stream.Accumulator, id, model string) (*Completion, error) {
	message, err := acc.Message()
	if err != nil {
		return nil, llmerrors.NewProcessing("llm_stream", "failed to assemble streamed completion", false).WithCause(err)
	}
	calls, _ := acc.ToolCalls()
	finish, _ := acc.FinishReason()
	if model == "" {
		model = p.model
	}

	return &Completion{
		ID:           id,
		Created:      time.Now().Unix(),
		Model:        model,
		Content:      acc.Content(),
		Message:      message,
		ToolCalls:    calls,
		Usage:        acc.Usage(),
		FinishReason: finish,
	}, nil
}

func (p *AnthropicProvider) record(ctx context.Context, span trace.Span, completion *Completion, duration time.Duration, err error) {
	var input, output int
	if completion != nil && completion.Usage != nil {
		input = completion.Usage.PromptTokens
		output = completion.Usage.CompletionTokens
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, p.model, duration, input, output, err)
	}
	if err != nil {
		span.RecordError(err)
		return
	}
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, input),
		attribute.Int(observability.AttrLLMTokensOut, output),
	)
}

func mapAnthropicStopReason(reason string) stream.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return stream.FinishStop
	case "max_tokens":
		return stream.FinishLength
	case "tool_use":
		return stream.FinishToolCalls
	default:
		return stream.FinishReason(reason)
	}
}
