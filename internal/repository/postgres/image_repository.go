package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/models"
)

type ImageRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db, now: time.Now}
}

func (r *ImageRepository) SaveImage(ctx context.Context, img *models.GeneratedImage) (int64, error) {
	var metadata any
	if img.Metadata != nil {
		data, err := json.Marshal(img.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = data
	}

	if img.CreatedAt.IsZero() {
		img.CreatedAt = r.now()
	}

	query := `
		INSERT INTO generated_images (
			prompt, image_url, used_api_key, key_index, created_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		img.Prompt,
		img.ImageURL,
		img.UsedAPIKey,
		img.Slot,
		img.CreatedAt,
		metadata,
	).Scan(&img.ID)
	if err != nil {
		return 0, err
	}

	return img.ID, nil
}

func (r *ImageRepository) GetImages(ctx context.Context, limit int) ([]models.GeneratedImage, error) {
	query := `
		SELECT id, prompt, image_url, used_api_key, key_index, created_at, metadata
		FROM generated_images
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	images := []models.GeneratedImage{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}

		images = append(images, *img)
	}

	return images, rows.Err()
}

func (r *ImageRepository) GetImage(ctx context.Context, id int64) (*models.GeneratedImage, error) {
	query := `
		SELECT id, prompt, image_url, used_api_key, key_index, created_at, metadata
		FROM generated_images
		WHERE id = $1
	`

	img, err := scanImage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", id, repository.ErrNotFound)
	}

	return img, err
}

func (r *ImageRepository) CountImagesByKey(ctx context.Context) ([]models.KeyUsage, error) {
	query := `
		SELECT used_api_key, COUNT(*)
		FROM generated_images
		GROUP BY used_api_key
		ORDER BY used_api_key
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var usage []models.KeyUsage
	for rows.Next() {
		var u models.KeyUsage
		if err := rows.Scan(&u.UsedAPIKey, &u.Images); err != nil {
			return nil, err
		}

		usage = append(usage, u)
	}

	return usage, rows.Err()
}

func (r *ImageRepository) AddPromptToHistory(ctx context.Context, prompt string) (*models.PromptHistory, error) {
	entry := &models.PromptHistory{
		Prompt: prompt,
		UsedAt: r.now(),
	}

	query := `INSERT INTO prompt_history (prompt, used_at) VALUES ($1, $2) RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, entry.Prompt, entry.UsedAt).Scan(&entry.ID); err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *ImageRepository) GetPromptHistory(ctx context.Context, limit int) ([]models.PromptHistory, error) {
	query := `
		SELECT id, prompt, used_at
		FROM prompt_history
		ORDER BY used_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	history := []models.PromptHistory{}
	for rows.Next() {
		var h models.PromptHistory
		if err := rows.Scan(&h.ID, &h.Prompt, &h.UsedAt); err != nil {
			return nil, err
		}

		history = append(history, h)
	}

	return history, rows.Err()
}

// ClearAllData removes generated images and prompt history. Credential health is kept.
func (r *ImageRepository) ClearAllData(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM generated_images`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM prompt_history`); err != nil {
		return err
	}

	return tx.Commit()
}

func scanImage(row scanner) (*models.GeneratedImage, error) {
	var img models.GeneratedImage
	var metadata []byte

	if err := row.Scan(
		&img.ID,
		&img.Prompt,
		&img.ImageURL,
		&img.UsedAPIKey,
		&img.Slot,
		&img.CreatedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &img.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &img, nil
}
