package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/plugin"
	"github.com/jkaninda/hifadhi/internal/storage"
)

// TestStartRunPersistsFastFailureOutcome covers the ordering between the
// run record insert and the execution goroutine: a plugin that fails to
// load reaches its terminal state within microseconds, and the terminal
// update must find the row the insert created.
func TestStartRunPersistsFastFailureOutcome(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := storage.OpenSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "hifadhi.db")}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	hub := NewHub()
	orch := engine.NewOrchestrator(engine.Config{}, nil, logger)
	sup := engine.NewSupervisor(orch, nil, logger).
		WithObserver(NewRecorder(hub, st.Runs(), logger))
	g := NewGateway(Config{}, st.Plugins(), st.Runs(), sup, hub, nil, logger)

	p := &plugin.Plugin{ID: uuid.New(), Name: "broken", Source: "function enumerate( oops"}
	record, err := g.startRun(context.Background(), p)
	if err != nil {
		t.Fatalf("startRun: %v", err)
	}
	if record.Status != plugin.RunPending {
		t.Errorf("initial status = %s, want %s", record.Status, plugin.RunPending)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := st.Runs().Get(context.Background(), record.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Status == plugin.RunFailed {
			if got.Fault == "" {
				t.Error("terminal record lost the fault")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal outcome never persisted, run stuck %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRunCreateFailureDoesNotLaunch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := engine.NewOrchestrator(engine.Config{}, nil, logger)
	sup := engine.NewSupervisor(orch, nil, logger)
	store := &stubRunStore{createErr: errors.New("disk full")}
	g := NewGateway(Config{}, nil, store, sup, NewHub(), nil, logger)

	p := &plugin.Plugin{ID: uuid.New(), Name: "p", Source: "function enumerate() end"}
	if _, err := g.startRun(context.Background(), p); err == nil {
		t.Fatal("startRun must fail when the record cannot be persisted")
	}
	if sup.Active() != 0 {
		t.Error("execution launched despite the failed insert")
	}
}

func TestStreamRunRecheckCatchesMissedTerminal(t *testing.T) {
	old := runRecheckInterval
	runRecheckInterval = 20 * time.Millisecond
	t.Cleanup(func() { runRecheckInterval = old })

	runID := uuid.New()
	// The terminal event was published before the subscription existed;
	// only the stored record knows the run is over.
	store := &stubRunStore{run: &plugin.Run{
		ID:       runID,
		PluginID: uuid.New(),
		Status:   plugin.RunFailed,
		Fault:    "plugin broke",
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub()
	g := NewGateway(Config{}, nil, store, nil, hub, nil, logger)

	events, cancel := hub.Subscribe(runID)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	var sent []engine.Event
	g.streamRun(ctx, runID, events, func(ev engine.Event) {
		sent = append(sent, ev)
	})

	if ctx.Err() != nil {
		t.Fatal("stream hung until the context expired")
	}
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want the terminal phase only", len(sent))
	}
	if sent[0].Type != engine.EventPhase || sent[0].Phase != engine.PhaseFailed {
		t.Errorf("sent %+v, want a failed phase event", sent[0])
	}
}

func TestStreamRunForwardsLiveTerminal(t *testing.T) {
	runID := uuid.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub()
	g := NewGateway(Config{}, nil, &stubRunStore{}, nil, hub, nil, logger)

	events, cancel := hub.Subscribe(runID)
	defer cancel()
	hub.Publish(engine.Event{RunID: runID, Type: engine.EventPhase, Phase: engine.PhaseCompleted})

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	var sent []engine.Event
	g.streamRun(ctx, runID, events, func(ev engine.Event) {
		sent = append(sent, ev)
	})

	if len(sent) != 1 || sent[0].Phase != engine.PhaseCompleted {
		t.Fatalf("sent %+v, want the completed phase event", sent)
	}
}
