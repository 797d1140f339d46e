package provider

import (
	"fmt"
	"strings"

	"aigate/internal/domain"
)

const (
	groqAPIURL           = "https://api.groq.com/openai/v1"
	groqDefaultModel     = "mixtral-8x7b-32768"
	groqDefaultMaxTokens = 1024
)

// GroqClient implements the LLMClient interface for Groq's OpenAI-compatible API
type GroqClient struct {
	*chatCompletionsClient
}

// NewGroqClient creates a new Groq client
func NewGroqClient(opts ClientOptions) (*GroqClient, error) {
	if opts.APIKey == "" {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: domain.ProviderGroq,
			Op:       "init",
			Err:      fmt.Errorf("Groq API key is required"),
		}
	}

	httpClient, streamClient := opts.clients()
	return &GroqClient{
		chatCompletionsClient: &chatCompletionsClient{
			unsupported:  unsupported{provider: domain.ProviderGroq},
			apiKey:       opts.APIKey,
			baseURL:      strings.TrimRight(orDefault(opts.BaseURL, groqAPIURL), "/"),
			model:        orDefault(opts.Model, groqDefaultModel),
			maxTokens:    groqDefaultMaxTokens,
			httpClient:   httpClient,
			streamClient: streamClient,
		},
	}, nil
}

// Capabilities reports the supported operations
func (c *GroqClient) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Streaming: true}
}
