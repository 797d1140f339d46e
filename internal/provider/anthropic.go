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
	anthropicAPIURL           = "https://api.anthropic.com/v1"
	anthropicAPIVersion       = "2023-06-01"
	anthropicDefaultModel     = "claude-3-opus-20240229"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicClient is a client for the Anthropic Messages API
type AnthropicClient struct {
	unsupported
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(opts ClientOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: domain.ProviderAnthropic,
			Op:       "init",
			Err:      fmt.Errorf("Anthropic API key is required"),
		}
	}

	httpClient, streamClient := opts.clients()
	return &AnthropicClient{
		unsupported:  unsupported{provider: domain.ProviderAnthropic},
		apiKey:       opts.APIKey,
		baseURL:      strings.TrimRight(orDefault(opts.BaseURL, anthropicAPIURL), "/"),
		model:        orDefault(opts.Model, anthropicDefaultModel),
		httpClient:   httpClient,
		streamClient: streamClient,
	}, nil
}

// Provider returns the provider type
func (c *AnthropicClient) Provider() domain.Provider {
	return domain.ProviderAnthropic
}

// Capabilities reports the supported operations
func (c *AnthropicClient) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Streaming: true}
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// buildRequest lifts system messages into the top-level system field; the
// Messages API only accepts user and assistant turns
func (c *AnthropicClient) buildRequest(messages []domain.Message, params domain.Parameters) map[string]any {
	req := mergeParams(map[string]any{
		"model":      c.model,
		"max_tokens": anthropicDefaultMaxTokens,
	}, params)
	req["model"] = modelFrom(params, c.model)
	delete(req, "stream")

	var system []string
	turns := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	req["messages"] = turns
	if _, set := req["system"]; !set && len(system) > 0 {
		req["system"] = strings.Join(system, "\n\n")
	}
	return req
}

// ChatComplete performs a non-streaming chat completion
func (c *AnthropicClient) ChatComplete(ctx context.Context, messages []domain.Message, params domain.Parameters) (*domain.ChatResponse, error) {
	raw, err := jsonRequest{
		provider: domain.ProviderAnthropic,
		op:       "chat",
		url:      c.baseURL + "/messages",
		headers:  c.headers(),
		payload:  c.buildRequest(messages, params),
	}.do(ctx, c.httpClient)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Content []struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, decodeError(domain.ProviderAnthropic, "chat", err)
	}

	var content *string
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}
	return domain.NewChatResponse(content, raw), nil
}

// ChatStream starts a streaming chat completion
func (c *AnthropicClient) ChatStream(ctx context.Context, messages []domain.Message, params domain.Parameters) (domain.Stream, error) {
	payload := c.buildRequest(messages, params)
	payload["stream"] = true

	resp, err := jsonRequest{
		provider: domain.ProviderAnthropic,
		op:       "chat_stream",
		url:      c.baseURL + "/messages",
		headers:  c.headers(),
		payload:  payload,
	}.open(ctx, c.streamClient)
	if err != nil {
		return nil, err
	}

	return newBodyStream(ctx, domain.ProviderAnthropic, resp.Body, eventSource(resp.Body, parseAnthropicEvent)), nil
}

// parseAnthropicEvent yields text deltas and stops at message_stop
func parseAnthropicEvent(ev *SSEEvent) (string, bool, bool) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return "", false, false
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			return event.Delta.Text, true, false
		}
	case "message_stop":
		return "", false, true
	}
	return "", false, false
}
