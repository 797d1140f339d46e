package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"aigate/internal/domain"
)

const (
	ollamaAPIURL                = "http://localhost:11434"
	ollamaDefaultModel          = "llama3"
	ollamaDefaultEmbeddingModel = "nomic-embed-text"
)

// OllamaClient is a client for a local Ollama server. No credentials are sent.
type OllamaClient struct {
	unsupported
	baseURL        string
	model          string
	embeddingModel string
	httpClient     *http.Client
	streamClient   *http.Client
}

// NewOllamaClient creates a new Ollama client
func NewOllamaClient(opts ClientOptions) (*OllamaClient, error) {
	httpClient, streamClient := opts.clients()
	return &OllamaClient{
		unsupported:    unsupported{provider: domain.ProviderOllama},
		baseURL:        strings.TrimRight(orDefault(opts.BaseURL, ollamaAPIURL), "/"),
		model:          orDefault(opts.Model, ollamaDefaultModel),
		embeddingModel: orDefault(opts.EmbeddingModel, ollamaDefaultEmbeddingModel),
		httpClient:     httpClient,
		streamClient:   streamClient,
	}, nil
}

// Provider returns the provider type
func (c *OllamaClient) Provider() domain.Provider {
	return domain.ProviderOllama
}

// Capabilities reports the supported operations
func (c *OllamaClient) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Embedding: true, Streaming: true}
}

func (c *OllamaClient) buildRequest(messages []domain.Message, params domain.Parameters, stream bool) map[string]any {
	req := mergeParams(map[string]any{"model": c.model}, params)
	req["model"] = modelFrom(params, c.model)
	req["messages"] = messages
	// the call decides the transport; a caller "stream" value is overridden
	req["stream"] = stream
	return req
}

type ollamaChatResponse struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// ChatComplete performs a non-streaming chat completion
func (c *OllamaClient) ChatComplete(ctx context.Context, messages []domain.Message, params domain.Parameters) (*domain.ChatResponse, error) {
	raw, err := jsonRequest{
		provider: domain.ProviderOllama,
		op:       "chat",
		url:      c.baseURL + "/api/chat",
		payload:  c.buildRequest(messages, params, false),
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(domain.ProviderOllama, "chat", err)
	}

	var content *string
	if resp.Message != nil {
		content = resp.Message.Content
	}
	return domain.NewChatResponse(content, raw), nil
}

// ChatStream starts a streaming chat completion over NDJSON lines
func (c *OllamaClient) ChatStream(ctx context.Context, messages []domain.Message, params domain.Parameters) (domain.Stream, error) {
	resp, err := jsonRequest{
		provider: domain.ProviderOllama,
		op:       "chat_stream",
		url:      c.baseURL + "/api/chat",
		payload:  c.buildRequest(messages, params, true),
	}.open(ctx, c.streamClient)
	if err != nil {
		return nil, err
	}

	return newBodyStream(ctx, domain.ProviderOllama, resp.Body, lineSource(resp.Body, parseOllamaLine)), nil
}

func parseOllamaLine(line string) (string, bool, bool) {
	var chunk ollamaChatResponse
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false, false
	}
	// a done frame that still carries content is emitted; the body ends right after it
	if chunk.Message != nil && chunk.Message.Content != nil && *chunk.Message.Content != "" {
		return *chunk.Message.Content, true, false
	}
	return "", false, chunk.Done
}

// Embed generates an embedding
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := jsonRequest{
		provider: domain.ProviderOllama,
		op:       "embed",
		url:      c.baseURL + "/api/embeddings",
		payload: map[string]any{
			"model":  c.embeddingModel,
			"prompt": text,
		},
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(domain.ProviderOllama, "embed", err)
	}
	return resp.Embedding, nil
}
