package chat

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"aigate/internal/domain"
)

// EmbeddingIndex persists generated embeddings
type EmbeddingIndex interface {
	Save(ctx context.Context, provider domain.Provider, content string, vec []float32) (string, error)
}

// EmbeddingService generates embeddings through the provider's dispatcher
type EmbeddingService struct {
	svc   *Service
	index EmbeddingIndex
}

// Embeddings returns the embedding service. index may be nil.
func (s *Service) Embeddings(index EmbeddingIndex) *EmbeddingService {
	return &EmbeddingService{svc: s, index: index}
}

// Generate embeds text with provider, or the default provider when none is given
func (e *EmbeddingService) Generate(ctx context.Context, text string, provider ...domain.Provider) ([]float32, error) {
	p := e.svc.opts.DefaultProvider
	if len(provider) > 0 && provider[0] != "" {
		p = provider[0]
	}

	client, err := e.svc.providers.GetClient(p)
	if err != nil {
		return nil, err
	}
	if !client.Capabilities().Embedding {
		return nil, domain.NewUnsupportedError(p, "embed")
	}

	var vec []float32
	err = e.svc.Dispatcher(p).Execute(ctx, func(ctx context.Context) error {
		v, err := client.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%s returned an empty embedding", p)
	}
	return vec, nil
}

// Vector embeds text and returns it as a pgvector value
func (e *EmbeddingService) Vector(ctx context.Context, text string, provider ...domain.Provider) (pgvector.Vector, error) {
	vec, err := e.Generate(ctx, text, provider...)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

// Store embeds text and saves it in the index, returning the stored id
func (e *EmbeddingService) Store(ctx context.Context, text string, provider ...domain.Provider) (string, error) {
	if e.index == nil {
		return "", fmt.Errorf("%w: no embedding index configured", domain.ErrConfiguration)
	}
	p := e.svc.opts.DefaultProvider
	if len(provider) > 0 && provider[0] != "" {
		p = provider[0]
	}
	vec, err := e.Generate(ctx, text, p)
	if err != nil {
		return "", err
	}
	return e.index.Save(ctx, p, text, vec)
}
