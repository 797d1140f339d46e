// Package provider implements LLM provider clients.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"aigate/internal/domain"
)

const (
	openAIAPIURL                = "https://api.openai.com/v1"
	openAIDefaultModel          = "gpt-3.5-turbo"
	openAIDefaultEmbeddingModel = "text-embedding-ada-002"
	openAIDefaultImageModel     = "dall-e-3"
	openAIDefaultMaxTokens      = 1000
	defaultTemperature          = 0.7
)

// ClientOptions configures an adapter. Empty fields take the vendor defaults.
type ClientOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	ImageModel     string
	Settings       *domain.ConnectionSettings
	HTTPClient     *http.Client
}

func (o ClientOptions) clients() (*http.Client, *http.Client) {
	if o.HTTPClient != nil {
		return o.HTTPClient, o.HTTPClient
	}
	settings := domain.DefaultConnectionSettings()
	if o.Settings != nil {
		settings = *o.Settings
	}
	return BuildHTTPClient(settings), buildStreamingHTTPClient(settings)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// chatCompletionsClient speaks the OpenAI chat completions protocol, shared by
// OpenAI and Groq
type chatCompletionsClient struct {
	unsupported
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	httpClient   *http.Client
	streamClient *http.Client
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Provider returns the provider type
func (c *chatCompletionsClient) Provider() domain.Provider {
	return c.provider
}

func (c *chatCompletionsClient) buildRequest(messages []domain.Message, params domain.Parameters) map[string]any {
	req := mergeParams(map[string]any{
		"model":       c.model,
		"temperature": defaultTemperature,
		"max_tokens":  c.maxTokens,
	}, params)
	req["model"] = modelFrom(params, c.model)
	req["messages"] = messages
	delete(req, "stream")
	return req
}

func (c *chatCompletionsClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// ChatComplete performs a non-streaming chat completion
func (c *chatCompletionsClient) ChatComplete(ctx context.Context, messages []domain.Message, params domain.Parameters) (*domain.ChatResponse, error) {
	raw, err := jsonRequest{
		provider: c.provider,
		op:       "chat",
		url:      c.baseURL + "/chat/completions",
		headers:  c.headers(),
		payload:  c.buildRequest(messages, params),
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(c.provider, "chat", err)
	}

	var content *string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return domain.NewChatResponse(content, raw), nil
}

// ChatStream starts a streaming chat completion over data: frames
func (c *chatCompletionsClient) ChatStream(ctx context.Context, messages []domain.Message, params domain.Parameters) (domain.Stream, error) {
	payload := c.buildRequest(messages, params)
	payload["stream"] = true

	resp, err := jsonRequest{
		provider: c.provider,
		op:       "chat_stream",
		url:      c.baseURL + "/chat/completions",
		headers:  c.headers(),
		payload:  payload,
	}.open(ctx, c.streamClient)
	if err != nil {
		return nil, err
	}

	return newBodyStream(ctx, c.provider, resp.Body, lineSource(resp.Body, parseDataFrame)), nil
}

// parseDataFrame decodes one "data: <json>" line. Anything that is not a
// well-formed frame is skipped.
func parseDataFrame(line string) (string, bool, bool) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false, false
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return "", false, true
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return "", false, false
	}
	return chunk.Choices[0].Delta.Content, true, false
}

// OpenAIClient is a client for OpenAI API
type OpenAIClient struct {
	*chatCompletionsClient
	embeddingModel string
	imageModel     string
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(opts ClientOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: domain.ProviderOpenAI,
			Op:       "init",
			Err:      fmt.Errorf("API key is required"),
		}
	}

	httpClient, streamClient := opts.clients()
	return &OpenAIClient{
		chatCompletionsClient: &chatCompletionsClient{
			unsupported:  unsupported{provider: domain.ProviderOpenAI},
			apiKey:       opts.APIKey,
			baseURL:      strings.TrimRight(orDefault(opts.BaseURL, openAIAPIURL), "/"),
			model:        orDefault(opts.Model, openAIDefaultModel),
			maxTokens:    openAIDefaultMaxTokens,
			httpClient:   httpClient,
			streamClient: streamClient,
		},
		embeddingModel: orDefault(opts.EmbeddingModel, openAIDefaultEmbeddingModel),
		imageModel:     orDefault(opts.ImageModel, openAIDefaultImageModel),
	}, nil
}

// Capabilities reports the supported operations
func (c *OpenAIClient) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Embedding: true, Image: true, Streaming: true}
}

// Embed generates an embedding
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := jsonRequest{
		provider: c.provider,
		op:       "embed",
		url:      c.baseURL + "/embeddings",
		headers:  c.headers(),
		payload: map[string]any{
			"model": c.embeddingModel,
			"input": text,
		},
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(c.provider, "embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, decodeError(c.provider, "embed", fmt.Errorf("no embedding in response"))
	}
	return resp.Data[0].Embedding, nil
}

// GenerateImage generates images from a prompt
func (c *OpenAIClient) GenerateImage(ctx context.Context, prompt string, params domain.Parameters) (*domain.ImageResult, error) {
	payload := mergeParams(map[string]any{
		"model": c.imageModel,
		"n":     1,
		"size":  "1024x1024",
	}, params)
	payload["prompt"] = prompt

	raw, err := jsonRequest{
		provider: c.provider,
		op:       "generate_image",
		url:      c.baseURL + "/images/generations",
		headers:  c.headers(),
		payload:  payload,
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(c.provider, "generate_image", err)
	}

	result := &domain.ImageResult{Raw: raw}
	for _, d := range resp.Data {
		if d.URL != "" {
			result.URLs = append(result.URLs, d.URL)
		}
	}
	return result, nil
}
