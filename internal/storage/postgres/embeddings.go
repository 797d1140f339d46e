package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"aigate/internal/domain"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingMatch is a stored embedding ranked by similarity
type EmbeddingMatch struct {
	ID         string
	Provider   domain.Provider
	Content    string
	Similarity float64
}

// EmbeddingStore keeps generated embeddings for similarity search
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore creates an embedding store over db
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// Save stores an embedding and returns its id
func (s *EmbeddingStore) Save(ctx context.Context, provider domain.Provider, content string, vec []float32) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, provider, content, embedding) VALUES ($1, $2, $3, $4)`,
		id, string(provider), content, pgvector.NewVector(vec))
	if err != nil {
		return "", fmt.Errorf("saving embedding: %w", err)
	}
	return id, nil
}

// Search returns up to limit stored embeddings closest to vec by cosine distance
func (s *EmbeddingStore) Search(ctx context.Context, vec []float32, limit int) ([]EmbeddingMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, content, 1 - (embedding <=> $1) AS similarity
		FROM embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("searching embeddings: %w", err)
	}
	defer rows.Close()

	var matches []EmbeddingMatch
	for rows.Next() {
		var m EmbeddingMatch
		var provider string
		if err := rows.Scan(&m.ID, &provider, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		m.Provider = domain.Provider(provider)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
