package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/plugin"
)

func TestHubSubscribeFiltersByRun(t *testing.T) {
	hub := NewHub()
	runA := uuid.New()
	runB := uuid.New()

	chA, cancelA := hub.Subscribe(runA)
	defer cancelA()
	chAll, cancelAll := hub.Subscribe(uuid.Nil)
	defer cancelAll()

	hub.Publish(engine.Event{RunID: runA, Type: engine.EventPhase, Phase: engine.PhaseEnumerating})
	hub.Publish(engine.Event{RunID: runB, Type: engine.EventPhase, Phase: engine.PhaseFailed})

	select {
	case ev := <-chA:
		if ev.RunID != runA {
			t.Errorf("filtered subscriber got run %v", ev.RunID)
		}
	default:
		t.Fatal("filtered subscriber missed its event")
	}
	select {
	case ev := <-chA:
		t.Fatalf("filtered subscriber got foreign event: %+v", ev)
	default:
	}

	if got := len(chAll); got != 2 {
		t.Errorf("wildcard subscriber buffered %d events, want 2", got)
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(uuid.Nil)
	cancel()

	hub.Publish(engine.Event{RunID: uuid.New(), Type: engine.EventPhase, Phase: engine.PhaseCompleted})
	if len(ch) != 0 {
		t.Error("cancelled subscriber still receives events")
	}
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(uuid.Nil)
	defer cancel()

	// Overfill the buffer; Publish must return promptly every time.
	run := uuid.New()
	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Publish(engine.Event{RunID: run, Type: engine.EventItem})
	}
}

type stubRunStore struct {
	run       *plugin.Run // Returned by Get when set.
	updated   []*plugin.Run
	createErr error
	err       error
}

func (s *stubRunStore) Create(ctx context.Context, r *plugin.Run) error { return s.createErr }
func (s *stubRunStore) Get(ctx context.Context, id uuid.UUID) (*plugin.Run, error) {
	if s.run != nil {
		return s.run, nil
	}
	return nil, plugin.ErrNotFound
}
func (s *stubRunStore) ListByPlugin(ctx context.Context, pluginID uuid.UUID, limit int) ([]plugin.Run, error) {
	return nil, nil
}
func (s *stubRunStore) Update(ctx context.Context, r *plugin.Run) error {
	s.updated = append(s.updated, r)
	return s.err
}

func TestRecorderForwardsAndPersists(t *testing.T) {
	hub := NewHub()
	store := &stubRunStore{}
	rec := NewRecorder(hub, store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch, cancel := hub.Subscribe(uuid.Nil)
	defer cancel()

	runID := uuid.New()
	rec.RunEvent(engine.Event{RunID: runID, Type: engine.EventPhase, Phase: engine.PhaseCompleted})
	select {
	case ev := <-ch:
		if ev.RunID != runID {
			t.Errorf("forwarded event run = %v, want %v", ev.RunID, runID)
		}
	default:
		t.Fatal("event not forwarded to hub")
	}

	run := &plugin.Run{ID: runID, Status: plugin.RunCompleted}
	rec.RunFinished(run)
	if len(store.updated) != 1 || store.updated[0].ID != runID {
		t.Fatalf("run not persisted: %+v", store.updated)
	}
}
