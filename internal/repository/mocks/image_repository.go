package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/models"
)

type MockImageRepository struct {
	mu                    sync.Mutex
	nextImageID           int64
	nextHistoryID         int64
	Images                []models.GeneratedImage
	History               []models.PromptHistory
	ClearAllDataCalls     int
	SaveImageError        error
	GetImagesError        error
	CountImagesByKeyError error
	AddPromptHistoryError error
	GetPromptHistoryError error
	ClearAllDataError     error
}

func NewMockImageRepository() *MockImageRepository {
	return &MockImageRepository{}
}

func (m *MockImageRepository) SaveImage(ctx context.Context, img *models.GeneratedImage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveImageError != nil {
		return 0, m.SaveImageError
	}

	m.nextImageID++
	img.ID = m.nextImageID
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	m.Images = append(m.Images, *img)

	return img.ID, nil
}

func (m *MockImageRepository) GetImages(ctx context.Context, limit int) ([]models.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetImagesError != nil {
		return nil, m.GetImagesError
	}

	images := make([]models.GeneratedImage, len(m.Images))
	copy(images, m.Images)
	sort.SliceStable(images, func(i, j int) bool { return images[i].ID > images[j].ID })

	if len(images) > limit {
		images = images[:limit]
	}

	return images, nil
}

func (m *MockImageRepository) GetImage(ctx context.Context, id int64) (*models.GeneratedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range m.Images {
		if img.ID == id {
			imgCopy := img
			return &imgCopy, nil
		}
	}

	return nil, fmt.Errorf("image %d: %w", id, repository.ErrNotFound)
}

func (m *MockImageRepository) CountImagesByKey(ctx context.Context) ([]models.KeyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CountImagesByKeyError != nil {
		return nil, m.CountImagesByKeyError
	}

	counts := make(map[string]int)
	for _, img := range m.Images {
		counts[img.UsedAPIKey]++
	}

	usage := make([]models.KeyUsage, 0, len(counts))
	for key, n := range counts {
		usage = append(usage, models.KeyUsage{UsedAPIKey: key, Images: n})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].UsedAPIKey < usage[j].UsedAPIKey })

	return usage, nil
}

func (m *MockImageRepository) AddPromptToHistory(ctx context.Context, prompt string) (*models.PromptHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AddPromptHistoryError != nil {
		return nil, m.AddPromptHistoryError
	}

	m.nextHistoryID++
	entry := models.PromptHistory{ID: m.nextHistoryID, Prompt: prompt, UsedAt: time.Now()}
	m.History = append(m.History, entry)

	return &entry, nil
}

func (m *MockImageRepository) GetPromptHistory(ctx context.Context, limit int) ([]models.PromptHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetPromptHistoryError != nil {
		return nil, m.GetPromptHistoryError
	}

	history := make([]models.PromptHistory, 0, len(m.History))
	for i := len(m.History) - 1; i >= 0 && len(history) < limit; i-- {
		history = append(history, m.History[i])
	}

	return history, nil
}

func (m *MockImageRepository) ClearAllData(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ClearAllDataCalls++

	if m.ClearAllDataError != nil {
		return m.ClearAllDataError
	}

	m.Images = nil
	m.History = nil
	return nil
}

func (m *MockImageRepository) SavedImages() []models.GeneratedImage {
	m.mu.Lock()
	defer m.mu.Unlock()

	images := make([]models.GeneratedImage, len(m.Images))
	copy(images, m.Images)
	return images
}

func (m *MockImageRepository) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompts := make([]string, 0, len(m.History))
	for _, h := range m.History {
		prompts = append(prompts, h.Prompt)
	}
	return prompts
}
