package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/repository/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream request failed: upstream returned 429: slow down")

// stubGenerator returns scripted results in order and repeats the last one.
type stubGenerator struct {
	mu      sync.Mutex
	results []generation.Result
	prompts []string
}

func succeed(url string, slot int) generation.Result {
	return generation.Result{Success: true, ImageURL: url, ImageURLs: []string{url}, Slot: slot, KeyLabel: "Key 1"}
}

func fail() generation.Result {
	return generation.Result{Slot: 0, KeyLabel: "Key 1", Err: errUpstream}
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, count int) generation.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	if len(g.results) == 0 {
		return succeed("https://img/default.png", 0)
	}
	r := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:]
	}
	return r
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.prompts)
}

type recorder struct {
	mu     sync.Mutex
	events []batch.Event
	hook   func(e batch.Event)
}

func (r *recorder) Publish(e batch.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.hook != nil {
		r.hook(e)
	}
}

func (r *recorder) count(phase batch.Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Phase == phase {
			n++
		}
	}
	return n
}

func (r *recorder) last() batch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.events[len(r.events)-1]
}

func setupTestDispatcher(t *testing.T, gen Generator) (*Dispatcher, *mocks.MockImageRepository, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	images := mocks.NewMockImageRepository()
	return New(gen, images, clk, DefaultConfig()), images, clk
}

func newBatch(t *testing.T, prompts []string, perPrompt int) *batch.Batch {
	t.Helper()

	b, err := batch.NewBatch(prompts, perPrompt)
	require.NoError(t, err)
	return b
}

func TestRun_AllSucceed(t *testing.T) {
	gen := &stubGenerator{results: []generation.Result{succeed("https://img/1.png", 0), succeed("https://img/2.png", 1)}}
	d, images, clk := setupTestDispatcher(t, gen)
	sink := &recorder{}
	b := newBatch(t, []string{"a castle", "a forest"}, 1)

	status := d.Run(context.Background(), b, sink)

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Equal(t, 2, sink.count(batch.PhaseImageReady))
	assert.Equal(t, 1, sink.count(batch.PhaseCompleted))
	assert.Zero(t, sink.count(batch.PhaseRetrying))
	assert.Equal(t, 20, sink.count(batch.PhaseCountdown), "one countdown event per second")
	assert.Equal(t, DefaultInterJobDelay, clk.Slept())
	assert.Equal(t, []string{"a castle", "a forest"}, gen.prompts)

	saved := images.SavedImages()
	require.Len(t, saved, 2)
	assert.Equal(t, "https://img/1.png", saved[0].ImageURL)
	assert.Equal(t, "a forest", saved[1].Prompt)
	assert.Equal(t, b.ID, saved[0].Metadata["batchId"])
	assert.Equal(t, 768, saved[0].Metadata["width"])

	final := sink.last()
	assert.Equal(t, batch.PhaseCompleted, final.Phase)
	assert.Empty(t, final.ImageURL)
	assert.Nil(t, final.SecondsRemaining)
}

func TestRun_EventsCarryBatchAndJob(t *testing.T) {
	gen := &stubGenerator{}
	d, _, _ := setupTestDispatcher(t, gen)
	sink := &recorder{}
	b := newBatch(t, []string{"p1"}, 2)

	d.Run(context.Background(), b, sink)

	var ready []batch.Event
	for _, e := range sink.events {
		assert.Equal(t, b.ID, e.BatchID)
		assert.False(t, e.At.IsZero())
		if e.Phase == batch.PhaseImageReady {
			ready = append(ready, e)
		}
	}
	require.Len(t, ready, 2)
	assert.Equal(t, 1, ready[0].Ordinal)
	assert.Equal(t, 2, ready[1].Ordinal)
	require.NotNil(t, ready[0].Slot)
	assert.Equal(t, int64(1), ready[0].ImageID)
	assert.Equal(t, int64(2), ready[1].ImageID)
}

func TestRun_SingleJobHasNoDelay(t *testing.T) {
	d, _, clk := setupTestDispatcher(t, &stubGenerator{})
	sink := &recorder{}

	status := d.Run(context.Background(), newBatch(t, []string{"only"}, 1), sink)

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Zero(t, clk.Slept())
	assert.Zero(t, sink.count(batch.PhaseCountdown))
}

func TestRun_RetriesSameJob(t *testing.T) {
	gen := &stubGenerator{results: []generation.Result{
		succeed("https://img/1.png", 0),
		fail(),
		succeed("https://img/2.png", 1),
	}}
	d, _, clk := setupTestDispatcher(t, gen)
	sink := &recorder{}

	status := d.Run(context.Background(), newBatch(t, []string{"first", "second"}, 1), sink)

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Equal(t, []string{"first", "second", "second"}, gen.prompts)
	assert.Equal(t, 1, sink.count(batch.PhaseRetrying))
	assert.Equal(t, 2, sink.count(batch.PhaseImageReady))
	assert.Equal(t, DefaultInterJobDelay+DefaultRetryDelay, clk.Slept(), "the retry on the last job skips the inter-job delay")
}

func TestRun_RetryOnEarlierJobKeepsPacing(t *testing.T) {
	gen := &stubGenerator{results: []generation.Result{
		fail(),
		succeed("https://img/1.png", 1),
		succeed("https://img/2.png", 2),
	}}
	d, _, clk := setupTestDispatcher(t, gen)

	status := d.Run(context.Background(), newBatch(t, []string{"first", "second"}, 1), &recorder{})

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Equal(t, []string{"first", "first", "second"}, gen.prompts)
	assert.Equal(t, DefaultRetryDelay+2*DefaultInterJobDelay, clk.Slept())
}

func TestRun_AbortsAfterMaxFailures(t *testing.T) {
	gen := &stubGenerator{results: []generation.Result{fail()}}
	d, images, _ := setupTestDispatcher(t, gen)
	sink := &recorder{}
	prompts := []string{"p1", "p2", "p3", "p4", "p5"}

	status := d.Run(context.Background(), newBatch(t, prompts, 4), sink)

	assert.Equal(t, batch.StatusCancelled, status)
	assert.Equal(t, DefaultMaxBatchFailures, gen.calls(), "no upstream call after the cap")
	assert.Equal(t, DefaultMaxBatchFailures-1, sink.count(batch.PhaseRetrying))
	assert.Equal(t, 1, sink.count(batch.PhaseAborted))
	assert.Zero(t, sink.count(batch.PhaseCompleted))
	assert.Empty(t, images.SavedImages())

	final := sink.last()
	assert.Equal(t, batch.PhaseAborted, final.Phase)
	assert.Equal(t, batch.BusyMessage, final.Error)
}

func TestRun_FailureCapIsBatchWide(t *testing.T) {
	gen := &stubGenerator{results: []generation.Result{
		fail(),
		succeed("https://img/1.png", 0),
		fail(),
		succeed("https://img/2.png", 0),
		fail(),
	}}
	d, _, _ := setupTestDispatcher(t, gen)
	sink := &recorder{}

	status := d.Run(context.Background(), newBatch(t, []string{"a", "b", "c"}, 1), sink)

	assert.Equal(t, batch.StatusCancelled, status)
	assert.Equal(t, 5, gen.calls())
	assert.Equal(t, 2, sink.count(batch.PhaseImageReady))
	assert.Equal(t, 1, sink.count(batch.PhaseAborted))
}

func TestRun_CancelDuringCountdown(t *testing.T) {
	gen := &stubGenerator{}
	d, _, clk := setupTestDispatcher(t, gen)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recorder{hook: func(e batch.Event) {
		if e.Phase == batch.PhaseCountdown && *e.SecondsRemaining == 15 {
			cancel()
		}
	}}

	status := d.Run(ctx, newBatch(t, []string{"a", "b", "c"}, 1), sink)

	assert.Equal(t, batch.StatusCancelled, status)
	assert.Equal(t, 1, gen.calls())
	assert.Equal(t, 1, sink.count(batch.PhaseImageReady))
	assert.Equal(t, 6, sink.count(batch.PhaseCountdown))
	assert.Equal(t, 5*time.Second, clk.Slept(), "no tick after cancellation")
	assert.Equal(t, batch.PhaseCancelled, sink.last().Phase)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	gen := &stubGenerator{}
	d, _, _ := setupTestDispatcher(t, gen)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recorder{}

	status := d.Run(ctx, newBatch(t, []string{"a"}, 1), sink)

	assert.Equal(t, batch.StatusCancelled, status)
	assert.Zero(t, gen.calls())
	require.Len(t, sink.events, 1)
	assert.Equal(t, batch.PhaseCancelled, sink.events[0].Phase)
}

func TestRun_SaveFailureStillReportsImage(t *testing.T) {
	d, images, _ := setupTestDispatcher(t, &stubGenerator{})
	images.SaveImageError = errors.New("disk full")
	sink := &recorder{}

	status := d.Run(context.Background(), newBatch(t, []string{"a"}, 1), sink)

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Equal(t, 1, sink.count(batch.PhaseImageReady))
}

func TestRun_WithoutImageStore(t *testing.T) {
	d := New(&stubGenerator{}, nil, clock.NewFake(time.Now()), Config{InterJobDelay: 1500 * time.Millisecond})
	sink := &recorder{}

	status := d.Run(context.Background(), newBatch(t, []string{"a", "b"}, 1), sink)

	assert.Equal(t, batch.StatusCompleted, status)
	assert.Equal(t, 2, sink.count(batch.PhaseCountdown), "partial seconds are rounded up")
}

func TestNew_Defaults(t *testing.T) {
	d := New(&stubGenerator{}, nil, nil, Config{InterJobDelay: -time.Second})

	assert.Equal(t, DefaultMaxBatchFailures, d.cfg.MaxBatchFailures)
	assert.Zero(t, d.cfg.InterJobDelay)
	assert.NotNil(t, d.clock)
}
