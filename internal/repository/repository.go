// Package repository declares the persistence contracts used by the credential
// pool, the generation pipeline and the HTTP API.
package repository

import (
	"context"
	"errors"

	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/repository/models"
)

var ErrNotFound = errors.New("not found")

// CredentialStatusRepository stores one health row per credential slot.
// UpsertStatus must be atomic with respect to concurrent updates of the same slot.
type CredentialStatusRepository interface {
	GetStatus(ctx context.Context, slot int) (*credential.Status, error)
	UpsertStatus(ctx context.Context, slot int, u credential.Update) (*credential.Status, error)
	ListStatuses(ctx context.Context) ([]*credential.Status, error)
	ResetStatuses(ctx context.Context) error
}

type ImageRepository interface {
	SaveImage(ctx context.Context, img *models.GeneratedImage) (int64, error)
	GetImages(ctx context.Context, limit int) ([]models.GeneratedImage, error)
	GetImage(ctx context.Context, id int64) (*models.GeneratedImage, error)
	CountImagesByKey(ctx context.Context) ([]models.KeyUsage, error)
	AddPromptToHistory(ctx context.Context, prompt string) (*models.PromptHistory, error)
	GetPromptHistory(ctx context.Context, limit int) ([]models.PromptHistory, error)
	ClearAllData(ctx context.Context) error
}
