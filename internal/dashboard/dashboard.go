// Package dashboard serves aggregated credential, image and batch statistics
// for the monitoring page.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/httputil"
	"github.com/nadmax/pixq/internal/repository/models"
)

type StatusSource interface {
	Statuses(ctx context.Context) ([]*credential.Status, error)
}

type ImageCounter interface {
	CountImagesByKey(ctx context.Context) ([]models.KeyUsage, error)
}

type BatchLister interface {
	List(ctx context.Context, limit int) ([]*batch.Batch, error)
}

type Dashboard struct {
	credentials StatusSource
	images      ImageCounter
	batches     BatchLister
	clock       clock.Clock
}

type CredentialStats struct {
	Total           int        `json:"total"`
	Available       int        `json:"available"`
	CoolingDown     int        `json:"cooling_down"`
	TotalFailures   int        `json:"total_failures"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

type ImageStats struct {
	Total int            `json:"total"`
	ByKey map[string]int `json:"by_key"`
}

type BatchStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Aborted   int `json:"aborted"`
}

type Stats struct {
	Credentials     CredentialStats `json:"credentials"`
	Images          ImageStats      `json:"images"`
	Batches         BatchStats      `json:"batches"`
	AverageDuration string          `json:"average_batch_duration"`
	LastUpdated     time.Time       `json:"last_updated"`
}

type BatchHistory struct {
	BatchID         string       `json:"batch_id"`
	Status          batch.Status `json:"status"`
	Aborted         bool         `json:"aborted"`
	Prompts         int          `json:"prompts"`
	CompletedImages int          `json:"completed_images"`
	TotalImages     int          `json:"total_images"`
	CreatedAt       time.Time    `json:"created_at"`
	FinishedAt      *time.Time   `json:"finished_at"`
	Duration        string       `json:"duration"`
}

func NewDashboard(credentials StatusSource, images ImageCounter, batches BatchLister, clk clock.Clock) *Dashboard {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dashboard{credentials: credentials, images: images, batches: batches, clock: clk}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := d.clock.Now()

	statuses, err := d.credentials.Statuses(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	usage, err := d.images.CountImagesByKey(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	batches, err := d.batches.List(ctx, 0)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		Credentials: credentialStats(statuses, now),
		Images:      ImageStats{ByKey: make(map[string]int)},
		LastUpdated: now,
	}

	for _, u := range usage {
		stats.Images.ByKey[u.UsedAPIKey] += u.Images
		stats.Images.Total += u.Images
	}

	var totalDuration time.Duration
	finished := 0

	for _, b := range batches {
		stats.Batches.Total++
		switch b.Status {
		case batch.StatusRunning, batch.StatusIdle:
			stats.Batches.Running++
		case batch.StatusCompleted:
			stats.Batches.Completed++
		case batch.StatusCancelled:
			if b.Aborted {
				stats.Batches.Aborted++
			} else {
				stats.Batches.Cancelled++
			}
		}

		if b.StartedAt != nil && b.FinishedAt != nil {
			totalDuration += b.FinishedAt.Sub(*b.StartedAt)
			finished++
		}
	}

	if finished > 0 {
		avg := totalDuration / time.Duration(finished)
		stats.AverageDuration = avg.Round(time.Second).String()
	} else {
		stats.AverageDuration = "N/A"
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

func credentialStats(statuses []*credential.Status, now time.Time) CredentialStats {
	stats := CredentialStats{Total: len(statuses)}

	for _, s := range statuses {
		stats.TotalFailures += s.FailureCount

		switch {
		case s.Available(now) || s.Recoverable(now):
			stats.Available++
		case s.CoolingDown(now):
			stats.CoolingDown++
			if stats.NextAvailableAt == nil || s.CooldownUntil.Before(*stats.NextAvailableAt) {
				until := *s.CooldownUntil
				stats.NextAvailableAt = &until
			}
		}
	}

	return stats
}

// GetRecentBatches lists the batches that finished in the last 24 hours.
func (d *Dashboard) GetRecentBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := d.batches.List(r.Context(), 0)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.clock.Now().Add(-24 * time.Hour)
	history := []BatchHistory{}

	for _, b := range batches {
		if b.FinishedAt == nil {
			continue
		}
		if b.FinishedAt.Before(cutoff) {
			continue
		}

		var duration string
		if b.StartedAt != nil {
			duration = b.FinishedAt.Sub(*b.StartedAt).Round(time.Second).String()
		}

		history = append(history, BatchHistory{
			BatchID:         b.ID,
			Status:          b.Status,
			Aborted:         b.Aborted,
			Prompts:         len(b.Prompts),
			CompletedImages: b.CompletedImages,
			TotalImages:     b.TotalImages,
			CreatedAt:       b.CreatedAt,
			FinishedAt:      b.FinishedAt,
			Duration:        duration,
		})
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}
