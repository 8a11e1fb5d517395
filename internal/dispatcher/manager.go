package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/progress"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/models"
)

var ErrBatchNotRunning = errors.New("batch is not running")

type Tracker interface {
	Save(ctx context.Context, b *batch.Batch) error
	Get(ctx context.Context, id string) (*batch.Batch, error)
	List(ctx context.Context, limit int) ([]*batch.Batch, error)
}

type PromptRecorder interface {
	AddPromptToHistory(ctx context.Context, prompt string) (*models.PromptHistory, error)
}

type runningBatch struct {
	batch  *batch.Batch
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs submitted batches in the background, one goroutine per batch,
// and keeps their snapshots in the tracker.
type Manager struct {
	dispatcher *Dispatcher
	tracker    Tracker
	history    PromptRecorder
	sink       progress.Sink

	mu      sync.Mutex
	running map[string]*runningBatch
	wg      sync.WaitGroup

	ctx  context.Context
	stop context.CancelFunc
}

// NewManager wires a manager. history and sink may be nil.
func NewManager(d *Dispatcher, tracker Tracker, history PromptRecorder, sink progress.Sink) *Manager {
	ctx, stop := context.WithCancel(context.Background())

	return &Manager{
		dispatcher: d,
		tracker:    tracker,
		history:    history,
		sink:       sink,
		running:    make(map[string]*runningBatch),
		ctx:        ctx,
		stop:       stop,
	}
}

// Submit validates the batch, records its prompts in the history and starts
// it. The returned snapshot is taken before the first job runs.
func (m *Manager) Submit(ctx context.Context, prompts []string, imagesPerPrompt int) (*batch.Batch, error) {
	b, err := batch.NewBatch(prompts, imagesPerPrompt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = m.dispatcher.clock.Now()

	if m.history != nil {
		for _, p := range b.Prompts {
			if _, err := m.history.AddPromptToHistory(ctx, p); err != nil {
				slog.Warn("failed to record prompt history", "batch_id", b.ID, "error", err)
			}
		}
	}

	if err := m.tracker.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	r := &runningBatch{batch: b, cancel: cancel, done: make(chan struct{})}
	snapshot := b.Clone()
	job := b.Clone()

	m.mu.Lock()
	m.running[b.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()

		m.dispatcher.Run(runCtx, job, progress.SinkFunc(func(e batch.Event) { m.apply(r, e) }))

		m.mu.Lock()
		delete(m.running, b.ID)
		m.mu.Unlock()
	}()

	return snapshot, nil
}

func (m *Manager) apply(r *runningBatch, e batch.Event) {
	m.mu.Lock()
	r.batch.Apply(e)
	snapshot := r.batch.Clone()
	m.mu.Unlock()

	if err := m.tracker.Save(context.Background(), snapshot); err != nil {
		slog.Error("failed to save batch progress", "batch_id", snapshot.ID, "phase", e.Phase, "error", err)
	}

	if m.sink != nil {
		m.sink.Publish(e)
	}
}

// Cancel raises cancellation for a running batch. The batch stops at its
// next wait tick or job boundary.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()

	if !ok {
		if _, err := m.tracker.Get(ctx, id); err != nil {
			return err
		}
		return ErrBatchNotRunning
	}

	slog.Info("cancelling batch", "batch_id", id)
	r.cancel()
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*batch.Batch, error) {
	m.mu.Lock()
	r, ok := m.running[id]
	if ok {
		snapshot := r.batch.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	return m.tracker.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, limit int) ([]*batch.Batch, error) {
	batches, err := m.tracker.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, b := range batches {
		if r, ok := m.running[b.ID]; ok {
			batches[i] = r.batch.Clone()
		}
	}
	return batches, nil
}

// Wait blocks until the batch stops running and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (*batch.Batch, error) {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return m.tracker.Get(ctx, id)
}

func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.running)
}

// Shutdown cancels every running batch and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsNotFound reports whether err means the batch does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
