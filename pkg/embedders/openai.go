package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/voxtera/maestro/pkg/httpclient"
	"github.com/voxtera/maestro/pkg/llmerrors"
)

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint, or any compatible
// host behind a custom base URL.
type OpenAIEmbedder struct {
	model  string
	host   string
	apiKey string
	client *httpclient.Client
}

type OpenAIOption func(*OpenAIEmbedder)

func WithHost(host string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.host = host }
}

func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.client = httpclient.New(
			httpclient.WithProvider("openai"),
			httpclient.WithTimeout(d),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		)
	}
}

func NewOpenAI(model, apiKey string, opts ...OpenAIOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		model:  model,
		host:   "https://api.openai.com/v1",
		apiKey: apiKey,
	}
	e.client = httpclient.New(
		httpclient.WithProvider("openai"),
		httpclient.WithTimeout(30*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, llmerrors.NewProcessing("embed_request", "failed to marshal request", false).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewNetwork("failed to create request", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	var decoded openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, llmerrors.NewProcessing("embed_response", "failed to decode response", false).WithCause(err)
	}
	if decoded.Error != nil {
		return nil, llmerrors.NewProcessing("embed_response", decoded.Error.Message, false)
	}
	if len(decoded.Data) == 0 {
		return nil, llmerrors.NewProcessing("embed_response", "response contained no embeddings", false)
	}
	return decoded.Data[0].Embedding, nil
}
