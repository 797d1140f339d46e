package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"aigate/internal/config"
	"aigate/internal/domain"

	"github.com/agnivade/levenshtein"
)

var (
	_ domain.LLMClient = (*OpenAIClient)(nil)
	_ domain.LLMClient = (*GroqClient)(nil)
	_ domain.LLMClient = (*AnthropicClient)(nil)
	_ domain.LLMClient = (*GeminiClient)(nil)
	_ domain.LLMClient = (*OllamaClient)(nil)
)

// Factory builds an adapter from its provider settings
type Factory func(cfg config.ProviderConfig) (domain.LLMClient, error)

// optionsFrom maps provider settings to adapter options
func optionsFrom(cfg config.ProviderConfig) ClientOptions {
	settings := cfg.Connection()
	return ClientOptions{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		ImageModel:     cfg.ImageModel,
		Settings:       &settings,
	}
}

// DefaultFactories returns the built-in adapter factories
func DefaultFactories() map[domain.Provider]Factory {
	return map[domain.Provider]Factory{
		domain.ProviderOpenAI: func(cfg config.ProviderConfig) (domain.LLMClient, error) {
			return NewOpenAIClient(optionsFrom(cfg))
		},
		domain.ProviderAnthropic: func(cfg config.ProviderConfig) (domain.LLMClient, error) {
			return NewAnthropicClient(optionsFrom(cfg))
		},
		domain.ProviderGoogle: func(cfg config.ProviderConfig) (domain.LLMClient, error) {
			return NewGeminiClient(optionsFrom(cfg))
		},
		domain.ProviderOllama: func(cfg config.ProviderConfig) (domain.LLMClient, error) {
			return NewOllamaClient(optionsFrom(cfg))
		},
		domain.ProviderGroq: func(cfg config.ProviderConfig) (domain.LLMClient, error) {
			return NewGroqClient(optionsFrom(cfg))
		},
	}
}

// Manager resolves provider identifiers to adapters. Adapters are built once
// per provider and shared by all callers.
type Manager struct {
	factories map[domain.Provider]Factory
	clients   map[domain.Provider]domain.LLMClient
	config    config.ProvidersConfig
	mu        sync.RWMutex
}

// NewManager creates a new provider manager with the built-in factories
func NewManager(cfg config.ProvidersConfig) *Manager {
	return &Manager{
		factories: DefaultFactories(),
		clients:   make(map[domain.Provider]domain.LLMClient),
		config:    cfg,
	}
}

// RegisterFactory installs or replaces the factory for a provider
func (m *Manager) RegisterFactory(provider domain.Provider, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.factories[provider] = factory
	delete(m.clients, provider)
}

// Register installs a ready-made client, bypassing its factory
func (m *Manager) Register(client domain.LLMClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client.Provider()] = client
}

// Resolve returns the adapter for a provider id or alias. Unknown ids and
// disabled or misconfigured providers fail with a configuration error.
func (m *Manager) Resolve(id string) (domain.LLMClient, error) {
	provider, ok := domain.ParseProvider(strings.ToLower(strings.TrimSpace(id)))
	if !ok {
		msg := fmt.Sprintf("unknown provider %q", id)
		if s := suggest(id); s != "" {
			msg += fmt.Sprintf(", did you mean %q?", s)
		}
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: domain.Provider(id),
			Op:       "resolve",
			Err:      fmt.Errorf("%s", msg),
		}
	}
	return m.GetClient(provider)
}

// GetClient returns the adapter for a known provider, building it on first use
func (m *Manager) GetClient(provider domain.Provider) (domain.LLMClient, error) {
	m.mu.RLock()
	client, ok := m.clients[provider]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[provider]; ok {
		return client, nil
	}

	factory, ok := m.factories[provider]
	if !ok {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: provider,
			Op:       "resolve",
			Err:      fmt.Errorf("no factory registered"),
		}
	}

	cfg, _ := m.config.Get(provider)
	if !cfg.Enabled {
		return nil, &domain.ProviderError{
			Kind:     domain.KindConfiguration,
			Provider: provider,
			Op:       "resolve",
			Err:      fmt.Errorf("provider is disabled"),
		}
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("building %s client: %w", provider, err)
	}
	m.clients[provider] = client
	return client, nil
}

// AvailableProviders lists providers that have a factory or a registered client
func (m *Manager) AvailableProviders() []domain.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[domain.Provider]bool)
	for p := range m.factories {
		seen[p] = true
	}
	for p := range m.clients {
		seen[p] = true
	}

	providers := make([]domain.Provider, 0, len(seen))
	for p := range seen {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

// DefaultModel returns the configured chat model for a provider, or "unknown"
func (m *Manager) DefaultModel(provider domain.Provider) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cfg, ok := m.config.Get(provider); ok && cfg.Model != "" {
		return cfg.Model
	}
	return "unknown"
}

// knownIDs are the identifiers accepted by Resolve
var knownIDs = []string{"openai", "anthropic", "claude", "google", "gemini", "ollama", "local", "groq"}

// suggest returns the closest known id within a small edit distance
func suggest(id string) string {
	id = strings.ToLower(id)
	best, bestDist := "", 3
	for _, known := range knownIDs {
		if d := levenshtein.ComputeDistance(id, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	return best
}
