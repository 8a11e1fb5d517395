// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS api_key_status (
		id SERIAL PRIMARY KEY,
		key_index INTEGER NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used TIMESTAMPTZ,
		failure_count INTEGER NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS generated_images (
		id BIGSERIAL PRIMARY KEY,
		prompt TEXT NOT NULL,
		image_url TEXT NOT NULL,
		used_api_key TEXT NOT NULL,
		key_index INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generated_images_created_at ON generated_images (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS prompt_history (
		id BIGSERIAL PRIMARY KEY,
		prompt TEXT NOT NULL,
		used_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func Open(connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// EnsureSchema creates the tables used by pixq if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
