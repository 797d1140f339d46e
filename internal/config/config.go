// Package config provides configuration management for aigate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"aigate/internal/domain"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the root configuration structure
type Config struct {
	DefaultProvider string                            `toml:"default_provider" validate:"required"`
	Providers       ProvidersConfig                   `toml:"providers"`
	Cache           CacheConfig                       `toml:"cache"`
	Resilience      ResilienceConfig                  `toml:"resilience"`
	Fallbacks       map[string][]string               `toml:"fallbacks"`
	Tracking        TrackingConfig                    `toml:"tracking"`
	Pricing         map[string]map[string]PriceConfig `toml:"pricing" validate:"dive,dive"`
	Store           StoreConfig                       `toml:"store"`
	Database        DatabaseConfig                    `toml:"database"`
	Telemetry       TelemetryConfig                   `toml:"telemetry"`
	Templates       TemplatesConfig                   `toml:"templates"`
}

// ProvidersConfig contains provider-specific settings
type ProvidersConfig struct {
	OpenAI    ProviderConfig `toml:"openai"`
	Anthropic ProviderConfig `toml:"anthropic"`
	Google    ProviderConfig `toml:"google"`
	Ollama    ProviderConfig `toml:"ollama"`
	Groq      ProviderConfig `toml:"groq"`
}

// ProviderConfig contains settings shared by every adapter
type ProviderConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url" validate:"omitempty,url"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	ImageModel     string `toml:"image_model"`
	TimeoutSec     int    `toml:"timeout" validate:"gte=0"`
	Enabled        bool   `toml:"enabled"`
}

// Connection returns HTTP settings for this provider
func (p ProviderConfig) Connection() domain.ConnectionSettings {
	s := domain.DefaultConnectionSettings()
	if p.TimeoutSec > 0 {
		s.RequestTimeoutSec = p.TimeoutSec
	}
	return s
}

// Get returns the settings for a provider
func (p *ProvidersConfig) Get(provider domain.Provider) (ProviderConfig, bool) {
	switch provider {
	case domain.ProviderOpenAI:
		return p.OpenAI, true
	case domain.ProviderAnthropic:
		return p.Anthropic, true
	case domain.ProviderGoogle:
		return p.Google, true
	case domain.ProviderOllama:
		return p.Ollama, true
	case domain.ProviderGroq:
		return p.Groq, true
	}
	return ProviderConfig{}, false
}

func (p *ProvidersConfig) all() []*ProviderConfig {
	return []*ProviderConfig{&p.OpenAI, &p.Anthropic, &p.Google, &p.Ollama, &p.Groq}
}

// CacheConfig contains response cache settings
type CacheConfig struct {
	Enabled bool          `toml:"enabled"`
	TTL     time.Duration `toml:"ttl" validate:"gte=0"`
}

// ResilienceConfig contains retry and circuit breaker settings
type ResilienceConfig struct {
	MaxRetries       int           `toml:"max_retries" validate:"gte=1"`
	BackoffBase      time.Duration `toml:"backoff_base" validate:"gt=0"`
	BackoffMax       time.Duration `toml:"backoff_max" validate:"gtefield=BackoffBase"`
	FailureThreshold int           `toml:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `toml:"success_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `toml:"open_timeout" validate:"gt=0"`
}

// TrackingConfig contains usage tracking settings
type TrackingConfig struct {
	Enabled bool   `toml:"enabled"`
	Sink    string `toml:"sink" validate:"oneof=memory postgres"`
}

// PriceConfig is the USD price per 1M tokens
type PriceConfig struct {
	Input  float64 `toml:"input" validate:"gte=0"`
	Output float64 `toml:"output" validate:"gte=0"`
}

// StoreConfig selects the shared key-value store
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=memory postgres"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port" validate:"gte=0,lte=65535"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns" validate:"gte=0"`
	MaxIdle    int           `toml:"max_idle" validate:"gte=0"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
	Migrations string        `toml:"migrations"`
}

// GetDSN returns the DSN for the database
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// TelemetryConfig contains logging and metrics settings
type TelemetryConfig struct {
	ServiceName    string `toml:"service_name"`
	LogLevel       string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat      string `toml:"log_format" validate:"omitempty,oneof=json console pretty"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
	MetricsAddr    string `toml:"metrics_addr"`
}

// TemplatesConfig points at prompt template files
type TemplatesConfig struct {
	Dir string `toml:"dir"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		DefaultProvider: string(domain.ProviderOpenAI),
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				BaseURL:        "https://api.openai.com/v1",
				Model:          "gpt-3.5-turbo",
				EmbeddingModel: "text-embedding-ada-002",
				ImageModel:     "dall-e-3",
				TimeoutSec:     30,
				Enabled:        true,
			},
			Anthropic: ProviderConfig{
				BaseURL:    "https://api.anthropic.com/v1",
				Model:      "claude-3-opus-20240229",
				TimeoutSec: 30,
				Enabled:    true,
			},
			Google: ProviderConfig{
				BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
				Model:          "gemini-pro",
				EmbeddingModel: "embedding-001",
				TimeoutSec:     30,
				Enabled:        true,
			},
			Ollama: ProviderConfig{
				BaseURL:        "http://localhost:11434",
				Model:          "llama3",
				EmbeddingModel: "nomic-embed-text",
				TimeoutSec:     120,
				Enabled:        true,
			},
			Groq: ProviderConfig{
				BaseURL:    "https://api.groq.com/openai/v1",
				Model:      "mixtral-8x7b-32768",
				TimeoutSec: 30,
				Enabled:    true,
			},
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		Resilience: ResilienceConfig{
			MaxRetries:       3,
			BackoffBase:      100 * time.Millisecond,
			BackoffMax:       time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      60 * time.Second,
		},
		Fallbacks: map[string][]string{
			"openai":    {"anthropic", "ollama"},
			"anthropic": {"openai", "groq"},
		},
		Tracking: TrackingConfig{
			Enabled: true,
			Sink:    "memory",
		},
		Pricing: make(map[string]map[string]PriceConfig),
		Store: StoreConfig{
			Driver: "memory",
		},
		Database: DatabaseConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "aigate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
			Migrations: "migrations/001_schema.sql",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aigate",
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

// Load loads configuration from a file. Missing files yield defaults.
// envFiles are loaded into the process environment first; variables that are
// already set are not overridden and missing files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	// Start with defaults
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	// Substitute environment variables
	if err := cfg.substituteEnvVars(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFiles(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading env file %s: %w", f, err)
		}
	}
	return nil
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct AI_* and vendor key overrides
func (c *Config) substituteEnvVars() error {
	for _, p := range c.Providers.all() {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
	}
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)

	if v := os.Getenv("AI_DEFAULT_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}

	// Vendor credentials
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Providers.Google.APIKey = v
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		c.Providers.Groq.APIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Providers.Ollama.BaseURL = v
	}

	// Cache and tracking
	if v := os.Getenv("AI_CACHE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AI_CACHE_ENABLED: %w", err)
		}
		c.Cache.Enabled = b
	}
	if v := os.Getenv("AI_CACHE_TTL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AI_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("AI_TRACKING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AI_TRACKING_ENABLED: %w", err)
		}
		c.Tracking.Enabled = b
	}
	if v := os.Getenv("AI_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AI_TIMEOUT: %w", err)
		}
		for _, p := range c.Providers.all() {
			p.TimeoutSec = secs
		}
	}

	// Database configuration
	if v := os.Getenv("AI_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("AI_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("AI_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = strings.ToLower(v)
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks field constraints and provider references
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	if _, ok := domain.ParseProvider(c.DefaultProvider); !ok {
		return fmt.Errorf("%w: unknown default provider %q", domain.ErrConfiguration, c.DefaultProvider)
	}
	for primary, chain := range c.Fallbacks {
		if _, ok := domain.ParseProvider(primary); !ok {
			return fmt.Errorf("%w: unknown provider %q in fallbacks", domain.ErrConfiguration, primary)
		}
		for _, fb := range chain {
			if _, ok := domain.ParseProvider(fb); !ok {
				return fmt.Errorf("%w: unknown fallback provider %q for %s", domain.ErrConfiguration, fb, primary)
			}
		}
	}
	for provider := range c.Pricing {
		if _, ok := domain.ParseProvider(provider); !ok {
			return fmt.Errorf("%w: unknown provider %q in pricing", domain.ErrConfiguration, provider)
		}
	}
	if c.Store.Driver == "postgres" || c.Tracking.Sink == "postgres" {
		if c.Database.DSN == "" && c.Database.Host == "" {
			return fmt.Errorf("%w: postgres selected but database is not configured", domain.ErrConfiguration)
		}
	}
	return nil
}

// FallbacksFor returns the static fallback chain for a provider
func (c *Config) FallbacksFor(provider domain.Provider) []domain.Provider {
	var out []domain.Provider
	for key, chain := range c.Fallbacks {
		p, ok := domain.ParseProvider(key)
		if !ok || p != provider {
			continue
		}
		for _, fb := range chain {
			if fp, ok := domain.ParseProvider(fb); ok && fp != provider {
				out = append(out, fp)
			}
		}
	}
	return out
}
