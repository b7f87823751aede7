package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtera/maestro/pkg/httpclient"
	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/protocol"
	"github.com/voxtera/maestro/pkg/stream"
)

type openAIRequest struct {
	Model           string           `json:"model"`
	Messages        []openAIMessage  `json:"messages"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	StreamOptions   *streamOptions   `json:"stream_options,omitempty"`
	Tools           []map[string]any `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *stream.Usage  `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIStreamResponse struct {
	ID      string               `json:"id"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *stream.Usage        `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// OpenAIProvider speaks the OpenAI chat completions protocol. It also covers
// the compatible hosts (Azure, Ollama, OpenRouter) behind different base
// URLs.
type OpenAIProvider struct {
	name        string
	model       string
	host        string
	apiKey      string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
	tracer      trace.Tracer
	closeOnce   sync.Once
}

type OpenAIOption func(*OpenAIProvider)

func WithHost(host string) OpenAIOption {
	return func(p *OpenAIProvider) { p.host = host }
}

func WithMaxTokens(n int) OpenAIOption {
	return func(p *OpenAIProvider) { p.maxTokens = n }
}

func WithTemperature(t float64) OpenAIOption {
	return func(p *OpenAIProvider) { p.temperature = t }
}

func WithTimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.client = httpclient.New(
			httpclient.WithProvider(p.name),
			httpclient.WithTimeout(d),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		)
	}
}

func defaultHost(name string) string {
	switch name {
	case "ollama":
		return "http://localhost:11434/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

// NewOpenAIProvider builds a provider for an OpenAI-compatible endpoint.
// name distinguishes compatible hosts (openai, azure, ollama, openrouter).
func NewOpenAIProvider(name, model, apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		name:        name,
		model:       model,
		host:        defaultHost(name),
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
		tracer:      observability.GetTracer("maestro.llm"),
	}
	p.client = httpclient.New(
		httpclient.WithProvider(name),
		httpclient.WithTimeout(2*time.Minute),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) ContextWindow() int {
	return contextWindowForModel(p.model)
}

func (p *OpenAIProvider) ReserveCompletion() int {
	return p.maxTokens
}

func (p *OpenAIProvider) Validate() error {
	var missing []string
	if p.model == "" {
		missing = append(missing, "model")
	}
	if p.host == "" {
		missing = append(missing, "host")
	}
	if p.apiKey == "" && p.name != "ollama" {
		missing = append(missing, "api_key")
	}
	if len(missing) > 0 {
		return llmerrors.NewConfiguration(missing...)
	}
	return nil
}

func (p *OpenAIProvider) Close() error {
	p.closeOnce.Do(func() {
		p.client.CloseIdleConnections()
	})
	return nil
}

func (p *OpenAIProvider) buildRequest(conv protocol.Conversation, opts CompletionOptions, streaming bool) openAIRequest {
	messages := make([]openAIMessage, 0, conv.Len())
	for _, m := range conv.Messages() {
		wire := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgsJSON(),
				},
			})
		}
		messages = append(messages, wire)
	}

	req := openAIRequest{
		Model:       p.model,
		Messages:    messages,
		Stream:      streaming,
		Tools:       opts.Tools,
		ToolChoice:  opts.ToolChoice,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}
	if streaming {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = opts.MaxTokens
	} else {
		maxTokens := p.maxTokens
		req.MaxTokens = &maxTokens
	}
	if req.Temperature == nil {
		temp := p.temperature
		req.Temperature = &temp
	}
	if opts.ReasoningEffort != "" && isReasoningModel(p.model) {
		req.ReasoningEffort = string(opts.ReasoningEffort)
	}
	return req
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewNetwork("failed to create request", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions) (*Completion, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(attribute.String(observability.AttrLLMModel, p.model)),
	)
	defer span.End()

	completion, err := p.complete(ctx, conv, opts)
	p.record(ctx, span, completion, time.Since(start), err)
	return completion, err
}

func (p *OpenAIProvider) complete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions) (*Completion, error) {
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
		return nil, p.enrichError(resp, err)
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, llmerrors.NewProcessing("llm_response", "failed to decode response", false).WithCause(err)
	}
	if decoded.Error != nil {
		return nil, llmerrors.NewProcessing("llm_response", decoded.Error.Message, false)
	}
	if len(decoded.Choices) == 0 {
		return nil, llmerrors.NewProcessing("llm_response", "response contained no choices", false)
	}

	choice := decoded.Choices[0]
	calls := make([]*protocol.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, llmerrors.NewProcessing("llm_response",
					fmt.Sprintf("tool call %s has malformed arguments", tc.Function.Name), false).WithCause(err)
			}
		}
		id := tc.ID
		if id == "" {
			id = protocol.NewToolCallID()
		}
		calls = append(calls, &protocol.ToolCall{ID: id, Name: tc.Function.Name, Args: args})
	}

	var message *protocol.Message
	if len(calls) > 0 {
		message = protocol.NewAssistantToolCallMessage(choice.Message.Content, calls...)
	} else {
		message = protocol.NewAssistantMessage(choice.Message.Content)
	}

	return &Completion{
		ID:           decoded.ID,
		Created:      decoded.Created,
		Model:        decoded.Model,
		Content:      choice.Message.Content,
		Message:      message,
		ToolCalls:    calls,
		Usage:        decoded.Usage,
		FinishReason: mapFinishReason(choice.FinishReason),
	}, nil
}

func (p *OpenAIProvider) StreamComplete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
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

func (p *OpenAIProvider) streamComplete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
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
		return nil, p.enrichError(resp, err)
	}
	defer resp.Body.Close()

	acc := stream.NewAccumulator()
	var meta struct {
		id      string
		created int64
		model   string
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, llmerrors.NewNetwork("failed to read stream", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[len("data: "):]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var event openAIStreamResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != nil {
			return nil, llmerrors.NewProcessing("llm_stream", event.Error.Message, false)
		}
		if event.ID != "" {
			meta.id = event.ID
			meta.created = event.Created
			meta.model = event.Model
		}

		for _, chunk := range p.chunksFromEvent(event) {
			acc.Add(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}

	return p.finalize(acc, meta.id, meta.created, meta.model)
}

// chunksFromEvent translates one SSE event into accumulator chunks.
func (p *OpenAIProvider) chunksFromEvent(event openAIStreamResponse) []stream.Chunk {
	var chunks []stream.Chunk

	if len(event.Choices) > 0 {
		choice := event.Choices[0]
		if choice.Delta.Content != "" {
			chunks = append(chunks, stream.Chunk{Content: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunks = append(chunks, stream.Chunk{ToolCall: &stream.ToolCallDelta{
				Index:             index,
				ID:                tc.ID,
				Name:              tc.Function.Name,
				ArgumentsFragment: tc.Function.Arguments,
			}})
		}
		if choice.FinishReason != "" {
			reason := mapFinishReason(choice.FinishReason)
			chunks = append(chunks, stream.Chunk{FinishReason: &reason})
		}
	}

	if event.Usage != nil {
		chunks = append(chunks, stream.Chunk{Usage: event.Usage})
	}
	return chunks
}

func (p *OpenAIProvider) finalize(acc *stream.Accumulator, id string, created int64, model string) (*Completion, error) {
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
		Created:      created,
		Model:        model,
		Content:      acc.Content(),
		Message:      message,
		ToolCalls:    calls,
		Usage:        acc.Usage(),
		FinishReason: finish,
	}, nil
}

func (p *OpenAIProvider) record(ctx context.Context, span trace.Span, completion *Completion, duration time.Duration, err error) {
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
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, input),
		attribute.Int(observability.AttrLLMTokensOut, output),
	)
	span.SetStatus(codes.Ok, "success")
}

// enrichError appends the provider's error body, when present, to transport
// failures so logs carry the API-reported cause.
func (p *OpenAIProvider) enrichError(resp *http.Response, err error) error {
	if resp == nil || resp.Body == nil {
		return err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil || len(body) == 0 {
		return err
	}

	var decoded struct {
		Error *openAIError `json:"error"`
	}
	if jsonErr := json.Unmarshal(body, &decoded); jsonErr == nil && decoded.Error != nil {
		if lerr, ok := err.(*llmerrors.Error); ok {
			return lerr.WithContext("provider_message", decoded.Error.Message)
		}
	}
	return err
}

func mapFinishReason(reason string) stream.FinishReason {
	switch reason {
	case "stop":
		return stream.FinishStop
	case "length":
		return stream.FinishLength
	case "tool_calls", "function_call":
		return stream.FinishToolCalls
	case "content_filter":
		return stream.FinishContentFilter
	default:
		return stream.FinishReason(reason)
	}
}
