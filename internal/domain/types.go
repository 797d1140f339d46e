// Package domain defines core domain types for the aigate inference client.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// Provider Types
// =============================================================================

// Provider identifies an LLM vendor
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
	ProviderGroq      Provider = "groq"
)

// AllProviders returns all supported providers
func AllProviders() []Provider {
	return []Provider{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderGoogle,
		ProviderOllama,
		ProviderGroq,
	}
}

// ParseProvider parses a provider string, accepting the common aliases
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "openai", "gpt":
		return ProviderOpenAI, true
	case "anthropic", "claude":
		return ProviderAnthropic, true
	case "google", "gemini":
		return ProviderGoogle, true
	case "ollama", "local":
		return ProviderOllama, true
	case "groq":
		return ProviderGroq, true
	default:
		return "", false
	}
}

// =============================================================================
// Chat Types
// =============================================================================

// Role is the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message. Order within a conversation is significant.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Parameters maps option names (model, temperature, max_tokens, tools, ...) to values.
// Adapters merge them over their own defaults when building a vendor payload.
type Parameters map[string]any

// Clone returns a shallow copy of the parameters
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value of a string parameter
func (p Parameters) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok && v != ""
}

// Tool describes a function the model may call
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the callable part of a Tool
type ToolFunction struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewTool creates a function tool
func NewTool(name, description string, parameters map[string]any) Tool {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// RequestSpec is a fully built chat request. It is treated as immutable once dispatched.
type RequestSpec struct {
	Provider   Provider   `json:"provider" validate:"required"`
	Model      string     `json:"model,omitempty"`
	Messages   []Message  `json:"messages" validate:"required,min=1,dive"`
	Parameters Parameters `json:"parameters,omitempty"`
	Tools      []Tool     `json:"tools,omitempty" validate:"dive"`
}

// ChatResponse is the normalized result of a chat call. Content is nil when the
// vendor payload carried no text at the expected location.
type ChatResponse struct {
	Content *string         `json:"content"`
	Raw     json.RawMessage `json:"raw"`
}

// NewChatResponse builds a response from extracted text and the raw vendor payload
func NewChatResponse(content *string, raw []byte) *ChatResponse {
	return &ChatResponse{Content: content, Raw: json.RawMessage(raw)}
}

// Text returns the content or an empty string
func (r *ChatResponse) Text() string {
	if r == nil || r.Content == nil {
		return ""
	}
	return *r.Content
}

// ImageResult is the normalized result of an image generation call
type ImageResult struct {
	URLs []string        `json:"urls"`
	Raw  json.RawMessage `json:"raw"`
}

// =============================================================================
// Connection Settings
// =============================================================================

// ConnectionSettings defines HTTP connection pool settings for a provider
type ConnectionSettings struct {
	MaxConnections     int  `json:"max_connections"`
	MaxIdleConnections int  `json:"max_idle_connections"`
	IdleTimeoutSec     int  `json:"idle_timeout_sec"`
	RequestTimeoutSec  int  `json:"request_timeout_sec"`
	EnableHTTP2        bool `json:"enable_http2"`
	EnableKeepAlive    bool `json:"enable_keep_alive"`
}

// DefaultConnectionSettings returns sensible defaults
func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		MaxConnections:     10,
		MaxIdleConnections: 5,
		IdleTimeoutSec:     90,
		RequestTimeoutSec:  30,
		EnableHTTP2:        true,
		EnableKeepAlive:    true,
	}
}

// =============================================================================
// Usage Types
// =============================================================================

// UsageRecord is one accounting entry for a completed top-level chat call
type UsageRecord struct {
	ID           string    `json:"id"`
	Provider     Provider  `json:"provider"`
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	Response     string    `json:"response"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	DurationMs   int64     `json:"duration_ms"`
	Cached       bool      `json:"cached"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageFilter narrows usage queries
type UsageFilter struct {
	Provider Provider
	Since    time.Time
}

// =============================================================================
// Interfaces
// =============================================================================

// Capabilities reports which operations an adapter implements
type Capabilities struct {
	Chat      bool
	Embedding bool
	Image     bool
	Streaming bool
}

// LLMClient is the contract every provider adapter implements
type LLMClient interface {
	// Provider returns the provider type
	Provider() Provider

	// Capabilities reports the supported operations
	Capabilities() Capabilities

	// ChatComplete performs a non-streaming chat completion
	ChatComplete(ctx context.Context, messages []Message, params Parameters) (*ChatResponse, error)

	// ChatStream starts a streaming chat completion
	ChatStream(ctx context.Context, messages []Message, params Parameters) (Stream, error)

	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// GenerateImage generates images from a prompt
	GenerateImage(ctx context.Context, prompt string, params Parameters) (*ImageResult, error)
}
