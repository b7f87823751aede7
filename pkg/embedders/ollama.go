package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/voxtera/maestro/pkg/httpclient"
	"github.com/voxtera/maestro/pkg/llmerrors"
)

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// OllamaEmbedder calls a local Ollama instance. Requests are serialized:
// Ollama swaps models in and out of memory, and concurrent embedding calls
// against a small host thrash it.
type OllamaEmbedder struct {
	model  string
	host   string
	client *httpclient.Client

	mu sync.Mutex
}

type OllamaOption func(*OllamaEmbedder)

func WithOllamaHost(host string) OllamaOption {
	return func(e *OllamaEmbedder) { e.host = host }
}

func WithOllamaTimeout(d time.Duration) OllamaOption {
	return func(e *OllamaEmbedder) {
		e.client = httpclient.New(
			httpclient.WithProvider("ollama"),
			httpclient.WithTimeout(d),
		)
	}
}

func NewOllama(model string, opts ...OllamaOption) *OllamaEmbedder {
	e := &OllamaEmbedder{
		model: model,
		host:  "http://localhost:11434",
	}
	e.client = httpclient.New(
		httpclient.WithProvider("ollama"),
		httpclient.WithTimeout(60*time.Second),
	)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, llmerrors.NewProcessing("embed_request", "failed to marshal request", false).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewNetwork("failed to create request", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, llmerrors.NewProcessing("embed_response", "failed to decode response", false).WithCause(err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, llmerrors.NewProcessing("embed_response", "response contained no embedding", false)
	}
	return decoded.Embedding, nil
}
