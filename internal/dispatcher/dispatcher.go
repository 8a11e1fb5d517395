// Package dispatcher drives prompt batches through the generation client one
// job at a time, pacing requests and retrying failed jobs until the batch-wide
// failure cap is reached.
package dispatcher

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/metrics"
	"github.com/nadmax/pixq/internal/progress"
	"github.com/nadmax/pixq/internal/repository/models"
)

const (
	DefaultInterJobDelay    = 20 * time.Second
	DefaultRetryDelay       = 60 * time.Second
	DefaultMaxBatchFailures = 3
)

type Generator interface {
	Generate(ctx context.Context, prompt string, count int) generation.Result
}

type ImageSaver interface {
	SaveImage(ctx context.Context, img *models.GeneratedImage) (int64, error)
}

type Config struct {
	InterJobDelay    time.Duration
	RetryDelay       time.Duration
	MaxBatchFailures int

	// Image parameters recorded as metadata on saved images.
	Model  string
	Width  int
	Height int
	Steps  int
}

func DefaultConfig() Config {
	return Config{
		InterJobDelay:    DefaultInterJobDelay,
		RetryDelay:       DefaultRetryDelay,
		MaxBatchFailures: DefaultMaxBatchFailures,
		Model:            generation.DefaultModel,
		Width:            generation.DefaultWidth,
		Height:           generation.DefaultHeight,
		Steps:            generation.DefaultSteps,
	}
}

type Dispatcher struct {
	gen    Generator
	images ImageSaver
	clock  clock.Clock
	cfg    Config
}

// New builds a dispatcher. images may be nil, in which case generated images
// are reported but not persisted.
func New(gen Generator, images ImageSaver, clk clock.Clock, cfg Config) *Dispatcher {
	if cfg.MaxBatchFailures <= 0 {
		cfg.MaxBatchFailures = DefaultMaxBatchFailures
	}
	if cfg.InterJobDelay < 0 {
		cfg.InterJobDelay = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Dispatcher{gen: gen, images: images, clock: clk, cfg: cfg}
}

// Run executes every job of b in order and returns the final status. b is
// only read; state changes are reported to sink as events.
func (d *Dispatcher) Run(ctx context.Context, b *batch.Batch, sink progress.Sink) batch.Status {
	r := &run{d: d, batch: b, sink: sink}
	return r.execute(ctx)
}

type run struct {
	d        *Dispatcher
	batch    *batch.Batch
	sink     progress.Sink
	failures int
}

func (r *run) execute(ctx context.Context) batch.Status {
	jobs := r.batch.Jobs()
	metrics.RecordBatchStarted()
	slog.Info("batch started",
		"batch_id", r.batch.ID,
		"prompts", len(r.batch.Prompts),
		"images_per_prompt", r.batch.ImagesPerPrompt,
	)

	for i := 0; i < len(jobs); {
		if ctx.Err() != nil {
			return r.cancelled(jobs[i])
		}

		job := &jobs[i]
		last := i == len(jobs)-1
		job.Attempts++
		r.emit(batch.Event{Phase: batch.PhaseStarted, Prompt: job.Prompt, PromptIndex: job.PromptIndex, Ordinal: job.Ordinal})

		result := r.d.gen.Generate(ctx, job.Prompt, 1)
		if result.Success {
			r.imageReady(ctx, *job, result)
			i++
		} else {
			r.failures++
			if r.failures >= r.d.cfg.MaxBatchFailures {
				return r.aborted(*job, result)
			}

			slog.Warn("job failed, retrying",
				"batch_id", r.batch.ID,
				"prompt_index", job.PromptIndex,
				"ordinal", job.Ordinal,
				"attempt", job.Attempts,
				"failures", r.failures,
				"error", result.Error(),
			)
			metrics.RecordBatchRetry()
			r.emit(batch.Event{
				Phase:            batch.PhaseRetrying,
				Prompt:           job.Prompt,
				PromptIndex:      job.PromptIndex,
				Ordinal:          job.Ordinal,
				Slot:             slotOf(result),
				KeyLabel:         result.KeyLabel,
				SecondsRemaining: seconds(r.d.cfg.RetryDelay),
				Error:            result.Error(),
			})
			if !r.wait(ctx, *job, r.d.cfg.RetryDelay) {
				return r.cancelled(*job)
			}
		}

		// The inter-job delay follows every attempt except on the last job.
		if last {
			continue
		}
		if !r.wait(ctx, jobs[i], r.d.cfg.InterJobDelay) {
			return r.cancelled(jobs[i])
		}
	}

	r.emit(batch.Event{Phase: batch.PhaseCompleted})
	return r.finish(batch.StatusCompleted, "completed")
}

func (r *run) imageReady(ctx context.Context, job batch.Job, result generation.Result) {
	var imageID int64
	if r.d.images != nil {
		img := &models.GeneratedImage{
			Prompt:     job.Prompt,
			ImageURL:   result.ImageURL,
			UsedAPIKey: result.KeyLabel,
			Slot:       result.Slot,
			Metadata: map[string]any{
				"imagesPerPrompt": r.batch.ImagesPerPrompt,
				"steps":           r.d.cfg.Steps,
				"width":           r.d.cfg.Width,
				"height":          r.d.cfg.Height,
				"model":           r.d.cfg.Model,
				"batchId":         r.batch.ID,
			},
		}
		id, err := r.d.images.SaveImage(context.WithoutCancel(ctx), img)
		if err != nil {
			slog.Error("failed to save generated image", "batch_id", r.batch.ID, "error", err)
		}
		imageID = id
	}

	r.emit(batch.Event{
		Phase:       batch.PhaseImageReady,
		Prompt:      job.Prompt,
		PromptIndex: job.PromptIndex,
		Ordinal:     job.Ordinal,
		ImageURL:    result.ImageURL,
		ImageID:     imageID,
		Slot:        slotOf(result),
		KeyLabel:    result.KeyLabel,
	})
}

// wait sleeps for d one second at a time, emitting a countdown event before
// each tick. It returns false as soon as ctx is cancelled.
func (r *run) wait(ctx context.Context, job batch.Job, d time.Duration) bool {
	for remaining := d; remaining > 0; {
		if ctx.Err() != nil {
			return false
		}
		r.emit(batch.Event{
			Phase:            batch.PhaseCountdown,
			Prompt:           job.Prompt,
			PromptIndex:      job.PromptIndex,
			Ordinal:          job.Ordinal,
			SecondsRemaining: seconds(remaining),
		})
		if ctx.Err() != nil {
			return false
		}

		step := min(time.Second, remaining)
		select {
		case <-ctx.Done():
			return false
		case <-r.d.clock.After(step):
		}
		remaining -= step
	}

	return ctx.Err() == nil
}

func (r *run) aborted(job batch.Job, result generation.Result) batch.Status {
	slog.Error("batch aborted after repeated failures",
		"batch_id", r.batch.ID,
		"failures", r.failures,
		"error", result.Error(),
	)
	r.emit(batch.Event{
		Phase:       batch.PhaseAborted,
		Prompt:      job.Prompt,
		PromptIndex: job.PromptIndex,
		Ordinal:     job.Ordinal,
		Slot:        slotOf(result),
		KeyLabel:    result.KeyLabel,
		Error:       batch.BusyMessage,
	})
	return r.finish(batch.StatusCancelled, "aborted")
}

func (r *run) cancelled(job batch.Job) batch.Status {
	r.emit(batch.Event{Phase: batch.PhaseCancelled, Prompt: job.Prompt, PromptIndex: job.PromptIndex, Ordinal: job.Ordinal})
	return r.finish(batch.StatusCancelled, "cancelled")
}

func (r *run) finish(status batch.Status, outcome string) batch.Status {
	metrics.RecordBatchFinished(outcome)
	slog.Info("batch finished", "batch_id", r.batch.ID, "outcome", outcome, "failures", r.failures)
	return status
}

func (r *run) emit(e batch.Event) {
	e.BatchID = r.batch.ID
	e.At = r.d.clock.Now()
	if r.sink != nil {
		r.sink.Publish(e)
	}
}

func slotOf(result generation.Result) *int {
	if result.Slot < 0 {
		return nil
	}
	slot := result.Slot
	return &slot
}

func seconds(d time.Duration) *int {
	s := int(math.Ceil(d.Seconds()))
	return &s
}
