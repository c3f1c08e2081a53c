package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

type recordingObserver struct {
	mu       sync.Mutex
	events   []Event
	finished []*plugin.Run
}

func (r *recordingObserver) RunEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) RunFinished(run *plugin.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
}

func waitDone(t *testing.T, h *RunHandle) *plugin.Run {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	return h.Outcome()
}

func TestSupervisorRunsToCompletion(t *testing.T) {
	obs := &recordingObserver{}
	sup := NewSupervisor(testOrchestrator(t, Config{}), nil, nil).WithObserver(obs)

	src := `
		function enumerate() emit_item_id("a") end
		function describe(id)
			return {name = id, path = "/" .. id, checksum = "c", size = 1, modified_time = 0}
		end
		function fetch(id) end
	`
	p := testPlugin(src)
	runID := uuid.New()
	h := sup.StartExecution(context.Background(), p, runID)
	if h.RunID != runID {
		t.Fatalf("handle run id = %v, want caller-supplied %v", h.RunID, runID)
	}

	if h.Outcome() != nil && h.Outcome().FinishedAt == nil {
		t.Error("Outcome must be nil or terminal")
	}

	run := waitDone(t, h)
	if run == nil || run.Status != plugin.RunCompleted {
		t.Fatalf("outcome = %+v", run)
	}
	if run.ID != h.RunID || run.PluginID != p.ID {
		t.Errorf("identity mismatch: %+v vs handle %v/%v", run, h.RunID, h.PluginID)
	}
	if sup.Active() != 0 {
		t.Errorf("Active = %d after completion", sup.Active())
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.finished) != 1 {
		t.Fatalf("RunFinished called %d times", len(obs.finished))
	}
	if len(obs.events) == 0 {
		t.Error("observer received no events")
	}
	for _, ev := range obs.events {
		if ev.RunID != h.RunID {
			t.Errorf("event carries run id %v, want %v", ev.RunID, h.RunID)
		}
	}
}

func TestSupervisorDetachedFromCallerContext(t *testing.T) {
	sup := NewSupervisor(testOrchestrator(t, Config{}), nil, nil)

	src := `
		function enumerate() emit_item_id("a") end
		function describe(id)
			return {name = id, path = "/" .. id, checksum = "c", size = 1, modified_time = 0}
		end
		function fetch(id) end
	`
	ctx, cancel := context.WithCancel(context.Background())
	h := sup.StartExecution(ctx, testPlugin(src), uuid.Nil)
	if h.RunID == uuid.Nil {
		t.Fatal("uuid.Nil must get a fresh run id")
	}
	cancel() // must not abort the run

	run := waitDone(t, h)
	if run.Status != plugin.RunCompleted {
		t.Fatalf("run aborted by caller cancellation: %+v", run)
	}
}

func TestSupervisorIndependentRuns(t *testing.T) {
	sup := NewSupervisor(testOrchestrator(t, Config{}), nil, nil)

	good := `
		function enumerate() end
	`
	bad := `function enumerate() error("broken") end`

	h1 := sup.StartExecution(context.Background(), testPlugin(good), uuid.Nil)
	h2 := sup.StartExecution(context.Background(), testPlugin(bad), uuid.Nil)

	r1 := waitDone(t, h1)
	r2 := waitDone(t, h2)
	if r1.Status != plugin.RunCompleted {
		t.Errorf("good run = %s", r1.Status)
	}
	if r2.Status != plugin.RunFailed {
		t.Errorf("bad run = %s", r2.Status)
	}
	if h1.RunID == h2.RunID {
		t.Error("runs must get distinct ids")
	}
}
