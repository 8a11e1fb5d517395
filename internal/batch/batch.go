// Package batch defines a prompt batch, the jobs it expands into and the
// progress events emitted while it runs.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxImagesPerPrompt = 10

var (
	ErrNoPrompts         = errors.New("at least one non-empty prompt is required")
	ErrInvalidImageCount = fmt.Errorf("images per prompt must be between 1 and %d", MaxImagesPerPrompt)
)

type (
	Status string
	Batch  struct {
		ID                 string     `json:"id"`
		Prompts            []string   `json:"prompts"`
		ImagesPerPrompt    int        `json:"images_per_prompt"`
		Status             Status     `json:"status"`
		Aborted            bool       `json:"aborted"`
		Error              string     `json:"error,omitempty"`
		TotalImages        int        `json:"total_images"`
		CompletedImages    int        `json:"completed_images"`
		Failures           int        `json:"failures"`
		Retries            int        `json:"retries"`
		CurrentPrompt      string     `json:"current_prompt,omitempty"`
		CurrentPromptIndex int        `json:"current_prompt_index"`
		CurrentImage       int        `json:"current_image,omitempty"`
		TimeRemaining      int        `json:"time_remaining,omitempty"`
		ImageURLs          []string   `json:"image_urls,omitempty"`
		CreatedAt          time.Time  `json:"created_at"`
		StartedAt          *time.Time `json:"started_at,omitempty"`
		FinishedAt         *time.Time `json:"finished_at,omitempty"`
	}

	// Job produces one image for one prompt ordinal. Ordinal is 1-based.
	Job struct {
		Prompt      string
		PromptIndex int
		Ordinal     int
		Attempts    int
	}
)

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func NewBatch(prompts []string, imagesPerPrompt int) (*Batch, error) {
	cleaned := CleanPrompts(prompts)
	if len(cleaned) == 0 {
		return nil, ErrNoPrompts
	}
	if imagesPerPrompt < 1 || imagesPerPrompt > MaxImagesPerPrompt {
		return nil, ErrInvalidImageCount
	}

	return &Batch{
		ID:              uuid.New().String(),
		Prompts:         cleaned,
		ImagesPerPrompt: imagesPerPrompt,
		Status:          StatusIdle,
		TotalImages:     len(cleaned) * imagesPerPrompt,
		CreatedAt:       time.Now(),
	}, nil
}

// ParsePrompts splits text into one prompt per line.
func ParsePrompts(text string) []string {
	return CleanPrompts(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}

// CleanPrompts trims every prompt and drops the blank ones.
func CleanPrompts(prompts []string) []string {
	cleaned := make([]string, 0, len(prompts))
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

// Jobs lists every job of the batch in execution order: all ordinals of the
// first prompt, then the second prompt, and so on.
func (b *Batch) Jobs() []Job {
	jobs := make([]Job, 0, len(b.Prompts)*b.ImagesPerPrompt)
	for i, p := range b.Prompts {
		for ordinal := 1; ordinal <= b.ImagesPerPrompt; ordinal++ {
			jobs = append(jobs, Job{Prompt: p, PromptIndex: i, Ordinal: ordinal})
		}
	}
	return jobs
}

func (b *Batch) Finished() bool {
	return b.Status == StatusCompleted || b.Status == StatusCancelled
}

// Apply folds a progress event into the batch snapshot.
func (b *Batch) Apply(e Event) {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	switch e.Phase {
	case PhaseStarted:
		if b.Status == StatusIdle {
			b.Status = StatusRunning
			b.StartedAt = &at
		}
		b.CurrentPrompt = e.Prompt
		b.CurrentPromptIndex = e.PromptIndex
		b.CurrentImage = e.Ordinal
		b.TimeRemaining = 0
	case PhaseImageReady:
		b.CompletedImages++
		b.ImageURLs = append(b.ImageURLs, e.ImageURL)
		b.Error = ""
	case PhaseCountdown:
		if e.SecondsRemaining != nil {
			b.TimeRemaining = *e.SecondsRemaining
		}
	case PhaseRetrying:
		b.Failures++
		b.Retries++
		b.Error = e.Error
		if e.SecondsRemaining != nil {
			b.TimeRemaining = *e.SecondsRemaining
		}
	case PhaseAborted:
		b.Failures++
		b.Aborted = true
		b.Error = e.Error
		b.finish(StatusCancelled, at)
	case PhaseCancelled:
		b.finish(StatusCancelled, at)
	case PhaseCompleted:
		b.finish(StatusCompleted, at)
	}
}

func (b *Batch) finish(status Status, at time.Time) {
	b.Status = status
	b.FinishedAt = &at
	b.CurrentPrompt = ""
	b.CurrentImage = 0
	b.TimeRemaining = 0
}

func (b *Batch) Clone() *Batch {
	c := *b
	c.Prompts = append([]string(nil), b.Prompts...)
	c.ImageURLs = append([]string(nil), b.ImageURLs...)
	return &c
}

func (b *Batch) ToJSON() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, err
	}

	return &b, nil
}
