package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/plugin"
)

const subscriberBuffer = 64

// Hub fans run events out to SSE and WebSocket subscribers. Events come
// from each run's own goroutine, so delivery never blocks: a subscriber
// that falls behind has events dropped rather than stalling the run.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	runID uuid.UUID // uuid.Nil = all runs.
	ch    chan engine.Event
}

// NewHub creates an event hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers interest in events for one run, or every run when
// runID is uuid.Nil. The returned cancel func must be called to release
// the subscription.
func (h *Hub) Subscribe(runID uuid.UUID) (<-chan engine.Event, func()) {
	sub := &subscriber{runID: runID, ch: make(chan engine.Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (h *Hub) Publish(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.runID != uuid.Nil && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the run.
		}
	}
}

// Recorder implements engine.Observer. It forwards events to the hub and
// persists terminal outcomes to the run store.
type Recorder struct {
	hub    *Hub
	runs   plugin.RunStore
	logger *slog.Logger
}

// NewRecorder wires the hub and run store into an engine observer.
func NewRecorder(hub *Hub, runs plugin.RunStore, logger *slog.Logger) *Recorder {
	return &Recorder{hub: hub, runs: runs, logger: logger}
}

// RunEvent forwards one run event to hub subscribers.
func (r *Recorder) RunEvent(ev engine.Event) {
	if r.hub != nil {
		r.hub.Publish(ev)
	}
}

// RunFinished persists the terminal run record. The terminal phase event
// has already reached subscribers through RunEvent.
func (r *Recorder) RunFinished(run *plugin.Run) {
	if r.runs == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.runs.Update(ctx, run); err != nil {
		r.logger.Error("persisting run outcome failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

var _ engine.Observer = (*Recorder)(nil)
