package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/repository"
)

const statusColumns = `key_index, is_active, failure_count, cooldown_until, last_used, updated_at`

type CredentialStatusRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCredentialStatusRepository(db *sql.DB) *CredentialStatusRepository {
	return &CredentialStatusRepository{db: db, now: time.Now}
}

func (r *CredentialStatusRepository) GetStatus(ctx context.Context, slot int) (*credential.Status, error) {
	query := `SELECT ` + statusColumns + ` FROM api_key_status WHERE key_index = $1`

	s, err := scanStatus(r.db.QueryRowContext(ctx, query, slot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential slot %d: %w", slot, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// UpsertStatus locks the slot row for the duration of the read-modify-write so
// concurrent updates of the same slot serialize, including relative failure
// counts and conditional restores.
func (r *CredentialStatusRepository) UpsertStatus(ctx context.Context, slot int, u credential.Update) (*credential.Status, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	selectQuery := `SELECT ` + statusColumns + ` FROM api_key_status WHERE key_index = $1 FOR UPDATE`

	current, err := scanStatus(tx.QueryRowContext(ctx, selectQuery, slot))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = credential.NewStatus(slot)
	case err != nil:
		return nil, fmt.Errorf("failed to load credential slot %d: %w", slot, err)
	}

	current.Apply(u, r.now())

	upsertQuery := `
		INSERT INTO api_key_status (
			key_index, is_active, failure_count, cooldown_until, last_used, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key_index) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			failure_count = EXCLUDED.failure_count,
			cooldown_until = EXCLUDED.cooldown_until,
			last_used = EXCLUDED.last_used,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + statusColumns

	updated, err := scanStatus(tx.QueryRowContext(
		ctx,
		upsertQuery,
		slot,
		current.IsActive,
		current.FailureCount,
		current.CooldownUntil,
		current.LastUsed,
		current.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert credential slot %d: %w", slot, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credential slot %d: %w", slot, err)
	}

	updated.Transition = current.Transition
	return updated, nil
}

func (r *CredentialStatusRepository) ListStatuses(ctx context.Context) ([]*credential.Status, error) {
	query := `SELECT ` + statusColumns + ` FROM api_key_status ORDER BY key_index`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var statuses []*credential.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, s)
	}

	return statuses, rows.Err()
}

func (r *CredentialStatusRepository) ResetStatuses(ctx context.Context) error {
	query := `
		UPDATE api_key_status
		SET is_active = TRUE,
		    failure_count = 0,
		    cooldown_until = NULL,
		    updated_at = $1
	`
	_, err := r.db.ExecContext(ctx, query, r.now())

	return err
}

func scanStatus(row scanner) (*credential.Status, error) {
	var s credential.Status
	var cooldownUntil, lastUsed sql.NullTime

	if err := row.Scan(
		&s.Slot,
		&s.IsActive,
		&s.FailureCount,
		&cooldownUntil,
		&lastUsed,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if cooldownUntil.Valid {
		s.CooldownUntil = &cooldownUntil.Time
	}
	if lastUsed.Valid {
		s.LastUsed = &lastUsed.Time
	}

	return &s, nil
}
