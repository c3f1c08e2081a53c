package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/plugin"
	"github.com/jkaninda/okapi"
)

// handleRunEvents streams one run's events as server-sent events. For a
// run already in a terminal state the stored outcome log is replayed so
// late subscribers still see every item.
func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	// Subscribe before the terminal check so no event slips between them.
	events, cancel := g.hub.Subscribe(id)
	defer cancel()

	run, err := g.runs.Get(c.Context(), id)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("getting run failed")
	}

	if run.Status == plugin.RunCompleted || run.Status == plugin.RunFailed {
		g.replayRun(c, run)
		return nil
	}

	g.streamRun(c.Context(), id, events, func(ev engine.Event) {
		c.SSEvent(string(ev.Type), ev)
	})
	return nil
}

// How often a live stream re-checks the stored run status. Var so tests
// can shorten it.
var runRecheckInterval = 2 * time.Second

// streamRun forwards live events until the run reaches a terminal phase.
// The stored status is re-checked periodically: the terminal event may
// have been published before the subscription existed, or dropped on a
// full subscriber buffer, and waiting on the channel alone would then
// never end.
func (g *Gateway) streamRun(ctx context.Context, runID uuid.UUID, events <-chan engine.Event, send func(engine.Event)) {
	ticker := time.NewTicker(runRecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			send(ev)
			if isTerminalPhase(ev) {
				return
			}
		case <-ticker.C:
			run, err := g.runs.Get(ctx, runID)
			if err != nil {
				return
			}
			if run.Status != plugin.RunCompleted && run.Status != plugin.RunFailed {
				continue
			}
			phase := engine.PhaseCompleted
			if run.Status == plugin.RunFailed {
				phase = engine.PhaseFailed
			}
			send(engine.Event{
				RunID:    run.ID,
				PluginID: run.PluginID,
				Type:     engine.EventPhase,
				Phase:    phase,
				Time:     time.Now().UTC(),
			})
			return
		}
	}
}

func isTerminalPhase(ev engine.Event) bool {
	return ev.Type == engine.EventPhase &&
		(ev.Phase == engine.PhaseCompleted || ev.Phase == engine.PhaseFailed)
}

// replayRun emits the stored outcome log of a finished run as events.
func (g *Gateway) replayRun(c *okapi.Context, run *plugin.Run) {
	for i := range run.Items {
		c.SSEvent(string(engine.EventItem), engine.Event{
			RunID:    run.ID,
			PluginID: run.PluginID,
			Type:     engine.EventItem,
			Item:     &run.Items[i],
			Time:     time.Now().UTC(),
		})
	}

	phase := engine.PhaseCompleted
	if run.Status == plugin.RunFailed {
		phase = engine.PhaseFailed
	}
	c.SSEvent(string(engine.EventPhase), engine.Event{
		RunID:    run.ID,
		PluginID: run.PluginID,
		Type:     engine.EventPhase,
		Phase:    phase,
		Time:     time.Now().UTC(),
	})
}
