package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"aigate/internal/cache"
	"aigate/internal/domain"
	"aigate/internal/usage"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Request accumulates a chat request. Builder methods return the receiver;
// the first error is kept and reported by Get or Stream.
type Request struct {
	svc      *Service
	provider domain.Provider
	model    string
	messages []domain.Message
	params   domain.Parameters
	tools    []domain.Tool
	err      error
}

// Provider selects the provider by id or alias
func (r *Request) Provider(id string) *Request {
	p, ok := domain.ParseProvider(strings.ToLower(strings.TrimSpace(id)))
	if !ok {
		if _, err := r.svc.providers.Resolve(id); err != nil {
			r.setErr(err)
		}
		return r
	}
	r.provider = p
	return r
}

// Model overrides the provider's default model
func (r *Request) Model(model string) *Request {
	r.model = model
	return r
}

// Messages replaces the conversation
func (r *Request) Messages(messages ...domain.Message) *Request {
	r.messages = append([]domain.Message(nil), messages...)
	return r
}

// Prompt replaces the conversation with a single user message
func (r *Request) Prompt(text string) *Request {
	return r.Messages(domain.Message{Role: domain.RoleUser, Content: text})
}

// WithParameters merges params over the parameters set so far
func (r *Request) WithParameters(params domain.Parameters) *Request {
	for k, v := range params {
		r.params[k] = v
	}
	return r
}

// WithTools attaches function tools. Each tool's parameters must be a valid
// JSON Schema.
func (r *Request) WithTools(tools ...domain.Tool) *Request {
	for _, t := range tools {
		if err := ValidateTool(t); err != nil {
			r.setErr(err)
			return r
		}
	}
	r.tools = append([]domain.Tool(nil), tools...)
	return r
}

func (r *Request) setErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Spec returns a snapshot of the request. Later builder calls do not affect it.
func (r *Request) Spec() domain.RequestSpec {
	params := r.params.Clone()
	if r.model != "" {
		params["model"] = r.model
	}
	if len(r.tools) > 0 {
		params["tools"] = append([]domain.Tool(nil), r.tools...)
	}
	return domain.RequestSpec{
		Provider:   r.provider,
		Model:      r.model,
		Messages:   append([]domain.Message(nil), r.messages...),
		Parameters: params,
		Tools:      append([]domain.Tool(nil), r.tools...),
	}
}

func (r *Request) validated() (domain.RequestSpec, error) {
	if r.err != nil {
		return domain.RequestSpec{}, r.err
	}
	spec := r.Spec()
	if err := getValidator().Struct(spec); err != nil {
		return spec, &domain.ProviderError{
			Kind:     domain.KindClient,
			Provider: spec.Provider,
			Op:       "validate",
			Err:      err,
		}
	}
	return spec, nil
}

// Get runs the request through the cache, the provider's dispatcher and the
// fallback chain
func (r *Request) Get(ctx context.Context) (*domain.ChatResponse, error) {
	s := r.svc
	start := time.Now()

	spec, err := r.validated()
	if err != nil {
		return nil, err
	}

	// =========================================================================
	// 1. RESPONSE CACHE
	// =========================================================================
	key, err := cache.GenerateKey(spec.Provider, spec.Messages, spec.Parameters)
	if err != nil {
		return nil, err
	}

	if s.cache.Enabled() {
		if cached, ok := s.cache.Get(ctx, key); ok {
			s.cache.RecordHit(ctx, spec.Provider)
			s.logger.Debug("cache hit", "provider", spec.Provider, "key", key)
			s.track(ctx, spec.Provider, r.modelFor(spec.Provider, spec.Parameters), spec.Messages, cached, time.Since(start), true)
			return cached, nil
		}
		s.cache.RecordMiss(ctx, spec.Provider)
	}

	// =========================================================================
	// 2. DISPATCH WITH FALLBACK
	// =========================================================================
	var response *domain.ChatResponse
	chain, err := s.chain(spec.Provider, "chat", func(client domain.LLMClient, p domain.Provider) func(context.Context) error {
		params := paramsFor(spec, p)
		return func(ctx context.Context) error {
			callStart := time.Now()
			resp, err := client.ChatComplete(ctx, spec.Messages, params)
			s.metrics.RecordProviderCall(string(p), "chat", string(domain.KindOf(err)), time.Since(callStart))
			if err != nil {
				return err
			}
			response = resp
			return nil
		}
	})
	if err != nil {
		s.metrics.RecordRequest(string(spec.Provider), r.modelFor(spec.Provider, spec.Parameters), false, err, time.Since(start), 0, 0, 0)
		return nil, err
	}

	served, err := chain.Execute(ctx)
	if err != nil {
		s.logger.Warn("chat request failed", "provider", spec.Provider, "error", err)
		s.metrics.RecordRequest(string(spec.Provider), r.modelFor(spec.Provider, spec.Parameters), false, err, time.Since(start), 0, 0, 0)
		return nil, err
	}

	// =========================================================================
	// 3. CACHE + USAGE
	// =========================================================================
	if err := s.cache.Put(ctx, key, response, 0); err != nil {
		s.logger.Warn("failed to cache response", "provider", served, "error", err)
	}

	s.track(ctx, served, r.modelFor(served, paramsFor(spec, served)), spec.Messages, response, time.Since(start), false)
	return response, nil
}

// Stream starts a streaming completion. The cache is bypassed. Initiation is
// gated by the provider's circuit breaker and is not retried.
func (r *Request) Stream(ctx context.Context) (domain.Stream, error) {
	s := r.svc

	spec, err := r.validated()
	if err != nil {
		return nil, err
	}
	client, err := s.providers.GetClient(spec.Provider)
	if err != nil {
		return nil, err
	}

	if !client.Capabilities().Streaming {
		return nil, domain.NewUnsupportedError(spec.Provider, "chat_stream")
	}

	breaker := s.Dispatcher(spec.Provider).Breaker()
	allowed, probe := breaker.Admit(ctx)
	if !allowed {
		return nil, &domain.ProviderError{
			Kind:     domain.KindServiceUnavailable,
			Provider: spec.Provider,
			Op:       "chat_stream",
		}
	}

	stream, err := client.ChatStream(ctx, spec.Messages, spec.Parameters)
	if err != nil {
		switch {
		case domain.IsUnsupported(err), ctx.Err() != nil:
			if probe {
				breaker.ReleaseProbe(context.WithoutCancel(ctx))
			}
		default:
			breaker.RecordFailure(ctx)
		}
		return nil, err
	}
	breaker.RecordSuccess(ctx)

	s.metrics.StreamOpened(string(spec.Provider))
	return &meteredStream{
		Stream: stream,
		onDone: func() { s.metrics.StreamClosed(string(spec.Provider)) },
	}, nil
}

// StreamTo streams the completion into onChunk until the stream ends.
// An error from onChunk stops the stream and is returned.
func (r *Request) StreamTo(ctx context.Context, onChunk func(chunk string) error) error {
	stream, err := r.Stream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
}

// modelFor reports the model a provider is asked to use
func (r *Request) modelFor(p domain.Provider, params domain.Parameters) string {
	if m, ok := params.String("model"); ok {
		return m
	}
	return r.svc.providers.DefaultModel(p)
}

// paramsFor adapts the request parameters for provider p. A model chosen for
// the primary provider is not sent to a fallback.
func paramsFor(spec domain.RequestSpec, p domain.Provider) domain.Parameters {
	if p == spec.Provider {
		return spec.Parameters
	}
	params := spec.Parameters.Clone()
	delete(params, "model")
	return params
}

func (s *Service) track(
	ctx context.Context,
	p domain.Provider,
	model string,
	messages []domain.Message,
	resp *domain.ChatResponse,
	elapsed time.Duration,
	cached bool,
) {
	_, err := s.tracker.Track(ctx, usage.Request{
		Provider: p,
		Model:    model,
		Messages: messages,
		Response: resp.Text(),
		Duration: elapsed,
		Cached:   cached,
	})
	if err != nil {
		s.logger.Warn("usage tracking failed", "provider", p, "error", err)
	}
}

// meteredStream reports the end of a stream exactly once
type meteredStream struct {
	domain.Stream
	onDone func()
	once   sync.Once
}

func (m *meteredStream) Next() (string, error) {
	chunk, err := m.Stream.Next()
	if err != nil {
		m.once.Do(m.onDone)
	}
	return chunk, err
}

func (m *meteredStream) Close() error {
	m.once.Do(m.onDone)
	return m.Stream.Close()
}
