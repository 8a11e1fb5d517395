package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/repository/mocks"
	"github.com/nadmax/pixq/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingGenerator holds every call until release is closed.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt string, count int) generation.Result {
	g.started <- struct{}{}
	<-g.release
	return succeed("https://img/slow.png", 0)
}

func setupTestManager(t *testing.T, gen Generator) (*Manager, *mocks.MockImageRepository, *recorder) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	images := mocks.NewMockImageRepository()
	sink := &recorder{}
	m := NewManager(New(gen, images, clk, DefaultConfig()), tracker.NewMemoryTracker(), images, sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m, images, sink
}

func TestManager_SubmitRunsToCompletion(t *testing.T) {
	m, images, sink := setupTestManager(t, &stubGenerator{})
	ctx := context.Background()

	submitted, err := m.Submit(ctx, []string{"a harbor", "", "a meadow"}, 2)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusIdle, submitted.Status)
	assert.Equal(t, 4, submitted.TotalImages)

	final, err := m.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, batch.StatusCompleted, final.Status)
	assert.Equal(t, 4, final.CompletedImages)
	assert.Len(t, final.ImageURLs, 4)
	assert.NotNil(t, final.FinishedAt)
	assert.Empty(t, final.CurrentPrompt)
	assert.Equal(t, []string{"a harbor", "a meadow"}, images.Prompts())
	assert.Len(t, images.SavedImages(), 4)
	assert.Equal(t, 4, sink.count(batch.PhaseImageReady))
	assert.Zero(t, m.Running())
}

func TestManager_SubmitValidation(t *testing.T) {
	m, images, _ := setupTestManager(t, &stubGenerator{})

	_, err := m.Submit(context.Background(), []string{" "}, 1)
	assert.ErrorIs(t, err, batch.ErrNoPrompts)

	_, err = m.Submit(context.Background(), []string{"x"}, 11)
	assert.ErrorIs(t, err, batch.ErrInvalidImageCount)

	assert.Empty(t, images.Prompts())
}

func TestManager_HistoryFailureDoesNotBlockSubmit(t *testing.T) {
	m, images, _ := setupTestManager(t, &stubGenerator{})
	images.AddPromptHistoryError = errors.New("db down")

	b, err := m.Submit(context.Background(), []string{"x"}, 1)
	require.NoError(t, err)

	final, err := m.Wait(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, final.Status)
}

func TestManager_CancelRunningBatch(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}, 1), release: make(chan struct{})}
	m, _, sink := setupTestManager(t, gen)
	ctx := context.Background()

	b, err := m.Submit(ctx, []string{"one", "two", "three"}, 1)
	require.NoError(t, err)
	<-gen.started

	running, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRunning, running.Status)
	assert.Equal(t, "one", running.CurrentPrompt)

	require.NoError(t, m.Cancel(ctx, b.ID))
	close(gen.release)

	final, err := m.Wait(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, batch.StatusCancelled, final.Status)
	assert.False(t, final.Aborted)
	assert.Equal(t, 1, final.CompletedImages, "the in-flight call is allowed to finish")
	assert.Equal(t, 1, sink.count(batch.PhaseCancelled))

	assert.ErrorIs(t, m.Cancel(ctx, b.ID), ErrBatchNotRunning)
}

func TestManager_CancelUnknown(t *testing.T) {
	m, _, _ := setupTestManager(t, &stubGenerator{})

	err := m.Cancel(context.Background(), "nope")

	assert.True(t, IsNotFound(err))
}

func TestManager_List(t *testing.T) {
	m, _, _ := setupTestManager(t, &stubGenerator{})
	ctx := context.Background()

	// Two jobs advance the virtual clock so the second batch is newer.
	first, err := m.Submit(ctx, []string{"a", "a2"}, 1)
	require.NoError(t, err)
	_, err = m.Wait(ctx, first.ID)
	require.NoError(t, err)

	second, err := m.Submit(ctx, []string{"b"}, 1)
	require.NoError(t, err)
	_, err = m.Wait(ctx, second.ID)
	require.NoError(t, err)

	batches, err := m.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, second.ID, batches[0].ID)
}

func TestManager_ShutdownCancelsBatches(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}, 1), release: make(chan struct{})}
	m, _, _ := setupTestManager(t, gen)
	ctx := context.Background()

	b, err := m.Submit(ctx, []string{"one", "two"}, 1)
	require.NoError(t, err)
	<-gen.started

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go close(gen.release)

	require.NoError(t, m.Shutdown(shutdownCtx))

	final, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCancelled, final.Status)
}
