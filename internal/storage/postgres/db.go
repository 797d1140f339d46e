// Package postgres provides PostgreSQL storage for aigate: the shared
// key-value store, the usage sink and the embedding store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"aigate/internal/config"
	"aigate/internal/telemetry"

	_ "github.com/lib/pq"
)

const pingTimeout = 10 * time.Second

// DB is the shared connection pool behind every postgres-backed store
type DB struct {
	*sql.DB
	name string
}

// Open connects to the configured database, sizes the pool and applies the
// schema file when one is configured
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger telemetry.Logger) (*DB, error) {
	logger = telemetry.OrNop(logger)

	conn, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	configurePool(conn, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database %q: %w", cfg.Database, err)
	}

	if cfg.Migrations != "" {
		if err := ApplySchema(ctx, conn, cfg.Migrations, logger); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger.Info("database ready", "database", cfg.Database)
	return &DB{DB: conn, name: cfg.Database}, nil
}

func configurePool(conn *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxAge > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
}

// Name returns the database name
func (db *DB) Name() string {
	return db.name
}

// ApplySchema executes the SQL file at path inside one transaction, unless
// schema_migrations already lists its base name
func ApplySchema(ctx context.Context, conn *sql.DB, path string, logger telemetry.Logger) error {
	logger = telemetry.OrNop(logger)
	version := filepath.Base(path)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var applied bool
	if err := conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
	).Scan(&applied); err != nil {
		return fmt.Errorf("checking schema %s: %w", version, err)
	}
	if applied {
		logger.Debug("schema already applied", "schema", version)
		return nil
	}

	ddl, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schema %s: %w", path, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("applying schema %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("recording schema %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema %s: %w", version, err)
	}

	logger.Info("schema applied", "schema", version)
	return nil
}
