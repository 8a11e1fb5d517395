// Package progress delivers batch events to observers.
package progress

import (
	"log/slog"
	"sync"

	"github.com/nadmax/pixq/internal/batch"
)

type Sink interface {
	Publish(e batch.Event)
}

type SinkFunc func(e batch.Event)

func (f SinkFunc) Publish(e batch.Event) { f(e) }

// Multi forwards every event to each sink in order.
type Multi []Sink

func (m Multi) Publish(e batch.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

const DefaultBuffer = 64

type subscriber struct {
	ch chan batch.Event
}

// Hub fans events out to per-batch subscribers. Delivery is best effort: an
// event is dropped for a subscriber whose buffer is full. Subscriber channels
// are closed after the terminal event of their batch.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers for events of batchID. The returned function removes
// the subscription and may be called more than once.
func (h *Hub) Subscribe(batchID string, buffer int) (<-chan batch.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan batch.Event, buffer)}

	h.mu.Lock()
	if h.subs[batchID] == nil {
		h.subs[batchID] = make(map[*subscriber]struct{})
	}
	h.subs[batchID][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(batchID, sub) }
}

func (h *Hub) Publish(e batch.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[e.BatchID]
	for sub := range subs {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("dropping progress event for slow subscriber", "batch_id", e.BatchID, "phase", e.Phase)
		}
	}

	if e.Terminal() {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, e.BatchID)
	}
}

func (h *Hub) Subscribers(batchID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[batchID])
}

func (h *Hub) remove(batchID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[batchID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, batchID)
	}
}
