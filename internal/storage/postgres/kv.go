package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aigate/internal/storage"
)

// KVStore implements storage.Store on the kv_store table.
// Expiry is evaluated against the database clock.
type KVStore struct {
	db *sql.DB
}

var _ storage.Store = (*KVStore)(nil)

// NewKVStore creates a key-value store over db
func NewKVStore(db *sql.DB) *KVStore {
	return &KVStore{db: db}
}

// expiresExpr turns a nullable millisecond TTL parameter into an expiry timestamp
const expiresExpr = `CASE WHEN $3::bigint IS NULL THEN NULL ELSE NOW() + ($3::bigint * INTERVAL '1 millisecond') END`

const liveClause = `(expires_at IS NULL OR expires_at > NOW())`

func ttlParam(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ttl.Milliseconds(), Valid: true}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE key = $1 AND `+liveClause, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, $2, ` + expiresExpr + `)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(value), ttlParam(ttl)); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM kv_store WHERE key = $1 AND `+liveClause+`)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("kv has %s: %w", key, err)
	}
	return exists, nil
}

func (s *KVStore) Forget(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv forget %s: %w", key, err)
	}
	return nil
}

// Increment is a single upsert, so concurrent callers never lose updates
func (s *KVStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	query := `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, $2::bigint::text, ` + expiresExpr + `)
		ON CONFLICT (key) DO UPDATE SET
			value = ((CASE WHEN kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= NOW()
				THEN 0 ELSE kv_store.value::bigint END) + $2::bigint)::text,
			expires_at = CASE
				WHEN $3::bigint IS NOT NULL THEN EXCLUDED.expires_at
				WHEN kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= NOW() THEN NULL
				ELSE kv_store.expires_at
			END
		RETURNING value::bigint
	`
	var n int64
	if err := s.db.QueryRowContext(ctx, query, key, delta, ttlParam(ttl)).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv increment %s: %w", key, err)
	}
	return n, nil
}

func (s *KVStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO kv_store (key, value, expires_at)
		VALUES ($1, $2, ` + expiresExpr + `)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= NOW()
	`
	res, err := s.db.ExecContext(ctx, query, key, string(value), ttlParam(ttl))
	if err != nil {
		return false, fmt.Errorf("kv add %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv add %s: %w", key, err)
	}
	return n == 1, nil
}

// PurgeExpired deletes expired rows and returns how many were removed
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("kv purge: %w", err)
	}
	return res.RowsAffected()
}
