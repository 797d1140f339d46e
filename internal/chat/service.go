// Package chat orchestrates the request lifecycle: cache lookup, dispatch
// through the circuit breaker and retry policy, static fallback, and usage
// tracking.
package chat

import (
	"context"
	"sync"

	"aigate/internal/cache"
	"aigate/internal/config"
	"aigate/internal/domain"
	"aigate/internal/provider"
	"aigate/internal/resilience"
	"aigate/internal/storage"
	"aigate/internal/telemetry"
	"aigate/internal/usage"
)

// Options configures a Service
type Options struct {
	DefaultProvider domain.Provider
	Fallbacks       map[domain.Provider][]domain.Provider
	Retry           resilience.RetryConfig
	Breaker         []resilience.BreakerOption
	Dispatcher      []resilience.DispatcherOption
	Logger          telemetry.Logger
	Metrics         *telemetry.Metrics
}

// OptionsFromConfig maps the loaded configuration to service options
func OptionsFromConfig(cfg *config.Config) Options {
	fallbacks := make(map[domain.Provider][]domain.Provider, len(cfg.Fallbacks))
	for name := range cfg.Fallbacks {
		if p, ok := domain.ParseProvider(name); ok {
			fallbacks[p] = cfg.FallbacksFor(p)
		}
	}

	def, _ := domain.ParseProvider(cfg.DefaultProvider)
	r := cfg.Resilience
	return Options{
		DefaultProvider: def,
		Fallbacks:       fallbacks,
		Retry: resilience.RetryConfig{
			MaxRetries:  r.MaxRetries,
			BackoffBase: r.BackoffBase,
			BackoffMax:  r.BackoffMax,
		},
		Breaker: []resilience.BreakerOption{
			resilience.WithThresholds(r.FailureThreshold, r.SuccessThreshold),
			resilience.WithOpenTimeout(r.OpenTimeout),
		},
	}
}

// Service is the chat orchestrator and the entry point for embedding, image
// and task helpers
type Service struct {
	providers *provider.Manager
	store     storage.Store
	cache     *cache.Service
	tracker   *usage.Tracker
	opts      Options
	logger    telemetry.Logger
	metrics   *telemetry.Metrics

	mu          sync.Mutex
	dispatchers map[domain.Provider]*resilience.Dispatcher
}

// NewService wires the orchestrator. responses and tracker may be nil.
func NewService(
	providers *provider.Manager,
	store storage.Store,
	responses *cache.Service,
	tracker *usage.Tracker,
	opts Options,
) *Service {
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = domain.ProviderOpenAI
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if responses == nil {
		responses = cache.NewService(store, cache.WithEnabled(false))
	}
	if tracker == nil {
		tracker = usage.NewTracker(nil, nil, false)
	}

	return &Service{
		providers:   providers,
		store:       store,
		cache:       responses,
		tracker:     tracker,
		opts:        opts,
		logger:      telemetry.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		dispatchers: make(map[domain.Provider]*resilience.Dispatcher),
	}
}

// Chat starts a request for the default provider
func (s *Service) Chat() *Request {
	return &Request{
		svc:      s,
		provider: s.opts.DefaultProvider,
		params:   domain.Parameters{},
	}
}

// Cache returns the response cache
func (s *Service) Cache() *cache.Service {
	return s.cache
}

// Tracker returns the usage tracker
func (s *Service) Tracker() *usage.Tracker {
	return s.tracker
}

// Dispatcher returns the shared dispatcher guarding provider p
func (s *Service) Dispatcher(p domain.Provider) *resilience.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dispatchers[p]; ok {
		return d
	}

	breakerOpts := append([]resilience.BreakerOption{
		resilience.WithBreakerLogger(s.logger),
		resilience.WithBreakerMetrics(s.metrics),
	}, s.opts.Breaker...)
	breaker := resilience.NewCircuitBreaker(s.store, string(p), breakerOpts...)

	dispatcherOpts := append([]resilience.DispatcherOption{
		resilience.WithDispatcherLogger(s.logger),
		resilience.WithDispatcherMetrics(s.metrics),
	}, s.opts.Dispatcher...)
	d := resilience.NewDispatcher(breaker, s.opts.Retry, dispatcherOpts...)

	s.dispatchers[p] = d
	return d
}

// Status reports the circuit state of every known provider
func (s *Service) Status(ctx context.Context) []resilience.CircuitStatus {
	providers := s.providers.AvailableProviders()
	statuses := make([]resilience.CircuitStatus, 0, len(providers))
	for _, p := range providers {
		statuses = append(statuses, s.Dispatcher(p).Breaker().Status(ctx))
	}
	return statuses
}

// chain builds the fallback chain for an operation starting at primary.
// Fallback providers that cannot be resolved are skipped; an unresolvable
// primary is an error.
func (s *Service) chain(
	primary domain.Provider,
	op string,
	call func(client domain.LLMClient, p domain.Provider) func(ctx context.Context) error,
) (*resilience.FallbackChain, error) {
	client, err := s.providers.GetClient(primary)
	if err != nil {
		return nil, err
	}
	steps := []resilience.FallbackStep{{
		Provider:   primary,
		Dispatcher: s.Dispatcher(primary),
		Call:       call(client, primary),
	}}

	for _, fb := range s.opts.Fallbacks[primary] {
		client, err := s.providers.GetClient(fb)
		if err != nil {
			s.logger.Debug("skipping unavailable fallback", "op", op, "primary", primary, "fallback", fb, "error", err)
			continue
		}
		steps = append(steps, resilience.FallbackStep{
			Provider:   fb,
			Dispatcher: s.Dispatcher(fb),
			Call:       call(client, fb),
		})
	}
	return resilience.NewFallbackChain(steps, s.logger, s.metrics), nil
}
