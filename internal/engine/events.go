package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// Phase is the run's monotonically increasing phase marker.
type Phase string

const (
	PhaseEnumerating Phase = "enumerating"
	PhaseProcessing  Phase = "processing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// EventType distinguishes the events a run emits while executing.
type EventType string

const (
	EventPhase EventType = "phase" // Phase transition.
	EventItem  EventType = "item"  // One item reached a terminal outcome.
)

// Event is one observable step of a run. Events are emitted in order from
// the run's own goroutine; observers must not block for long.
type Event struct {
	RunID    uuid.UUID          `json:"run_id"`
	PluginID uuid.UUID          `json:"plugin_id"`
	Type     EventType          `json:"type"`
	Phase    Phase              `json:"phase,omitempty"`
	Item     *plugin.ItemResult `json:"item,omitempty"`
	Time     time.Time          `json:"time"`
}

// Observer receives run events and the terminal outcome. The surrounding
// application registers one on the supervisor; a nil observer is valid.
type Observer interface {
	RunEvent(ev Event)
	RunFinished(run *plugin.Run)
}
