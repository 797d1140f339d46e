package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aigate/internal/domain"
)

const (
	geminiAPIURL                = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel          = "gemini-pro"
	geminiDefaultEmbeddingModel = "embedding-001"
	geminiDefaultMaxTokens      = 1000
)

// GeminiClient is a client for the Google Generative Language API
type GeminiClient struct {
	unsupported
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	httpClient     *http.Client
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(opts ClientOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: domain.ProviderGoogle,
			Op:       "init",
			Err:      fmt.Errorf("Gemini API key is required"),
		}
	}

	httpClient, _ := opts.clients()
	return &GeminiClient{
		unsupported:    unsupported{provider: domain.ProviderGoogle},
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(orDefault(opts.BaseURL, geminiAPIURL), "/"),
		model:          orDefault(opts.Model, geminiDefaultModel),
		embeddingModel: orDefault(opts.EmbeddingModel, geminiDefaultEmbeddingModel),
		httpClient:     httpClient,
	}, nil
}

// Provider returns the provider type
func (c *GeminiClient) Provider() domain.Provider {
	return domain.ProviderGoogle
}

// Capabilities reports the supported operations
func (c *GeminiClient) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Embedding: true}
}

func (c *GeminiClient) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, url.PathEscape(model), method, url.QueryEscape(c.apiKey))
}

// buildContents maps assistant turns to "model" and everything else to "user"
func buildContents(messages []domain.Message) []map[string]any {
	contents := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	return contents
}

// ChatComplete performs a non-streaming chat completion
func (c *GeminiClient) ChatComplete(ctx context.Context, messages []domain.Message, params domain.Parameters) (*domain.ChatResponse, error) {
	temperature, ok := params["temperature"]
	if !ok {
		temperature = defaultTemperature
	}
	maxTokens, ok := params["max_tokens"]
	if !ok {
		maxTokens = geminiDefaultMaxTokens
	}

	raw, err := jsonRequest{
		provider: domain.ProviderGoogle,
		op:       "chat",
		url:      c.endpoint(modelFrom(params, c.model), "generateContent"),
		payload: map[string]any{
			"contents": buildContents(messages),
			"generationConfig": map[string]any{
				"temperature":     temperature,
				"maxOutputTokens": maxTokens,
			},
		},
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text *string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(domain.ProviderGoogle, "chat", err)
	}

	var content *string
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		content = resp.Candidates[0].Content.Parts[0].Text
	}
	return domain.NewChatResponse(content, raw), nil
}

// Embed generates an embedding
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, err := jsonRequest{
		provider: domain.ProviderGoogle,
		op:       "embed",
		url:      c.endpoint(c.embeddingModel, "embedContent"),
		payload: map[string]any{
			"model":   "models/" + c.embeddingModel,
			"content": map[string]any{"parts": []map[string]string{{"text": text}}},
		},
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embedding struct {
			Values []float32 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(domain.ProviderGoogle, "embed", err)
	}
	return resp.Embedding.Values, nil
}
