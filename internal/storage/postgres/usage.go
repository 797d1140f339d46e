package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"aigate/internal/domain"

	"github.com/google/uuid"
)

// UsageStore persists usage records to the ai_requests table
type UsageStore struct {
	db *sql.DB
}

// NewUsageStore creates a usage store over db
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordUsage inserts one usage record
func (s *UsageStore) RecordUsage(ctx context.Context, record *domain.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	messagesJSON, err := json.Marshal(record.Messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	query := `
		INSERT INTO ai_requests (id, provider, model, messages, response, input_tokens, output_tokens,
			total_tokens, cost, duration_ms, cached, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`

	_, err = s.db.ExecContext(ctx, query, record.ID, string(record.Provider), record.Model,
		messagesJSON, record.Response, record.InputTokens, record.OutputTokens, record.TotalTokens,
		strconv.FormatFloat(record.Cost, 'f', 6, 64), record.DurationMs, record.Cached, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording usage %s: %w", record.ID, err)
	}
	return nil
}

// ListUsage returns usage records matching the filter, oldest first
func (s *UsageStore) ListUsage(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	query := `
		SELECT id, provider, model, messages, response, input_tokens, output_tokens,
			total_tokens, cost, duration_ms, cached, created_at
		FROM ai_requests
		WHERE 1=1
	`
	var args []any
	argIndex := 1

	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argIndex)
		args = append(args, string(filter.Provider))
		argIndex++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, filter.Since)
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	defer rows.Close()

	var records []*domain.UsageRecord
	for rows.Next() {
		var (
			r            domain.UsageRecord
			provider     string
			messagesJSON []byte
			cost         string
		)
		if err := rows.Scan(&r.ID, &provider, &r.Model, &messagesJSON, &r.Response,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &cost, &r.DurationMs,
			&r.Cached, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		r.Provider = domain.Provider(provider)
		if len(messagesJSON) > 0 {
			if err := json.Unmarshal(messagesJSON, &r.Messages); err != nil {
				return nil, fmt.Errorf("decoding messages for %s: %w", r.ID, err)
			}
		}
		if r.Cost, err = strconv.ParseFloat(cost, 64); err != nil {
			return nil, fmt.Errorf("decoding cost for %s: %w", r.ID, err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	return records, nil
}
