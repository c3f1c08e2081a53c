// Package plugin defines the provider plugin record and the persistence
// interfaces the storage backends implement. A plugin is third-party Lua
// source text implementing the provider backup contract; the engine treats
// it as an immutable input value.
package plugin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a plugin or run record does not exist.
var ErrNotFound = errors.New("not found")

// Plugin is a provider backup plugin: a display name plus immutable Lua
// source text. Identity is assigned by whoever created the record; the
// engine never mutates a plugin.
type Plugin struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the terminal (or in-flight) status of a backup run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ItemStatus classifies the outcome of one discovered item.
type ItemStatus string

const (
	ItemFetched ItemStatus = "fetched"
	ItemSkipped ItemStatus = "skipped"
	ItemErrored ItemStatus = "errored"
)

// ItemResult is the per-item entry in a run's ordered outcome log.
type ItemResult struct {
	ItemID string     `json:"item_id"`
	Status ItemStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Name   string     `json:"name,omitempty"`
	Path   string     `json:"path,omitempty"`
	Size   int64      `json:"size,omitempty"`
}

// Run is the persisted record of one end-to-end plugin execution.
// Immutable once Status reaches a terminal value.
type Run struct {
	ID         uuid.UUID    `json:"id"`
	PluginID   uuid.UUID    `json:"plugin_id"`
	PluginName string       `json:"plugin_name"`
	Status     RunStatus    `json:"status"`
	Discovered int          `json:"discovered"`
	Fetched    int          `json:"fetched"`
	Skipped    int          `json:"skipped"`
	Errored    int          `json:"errored"`
	Fault      string       `json:"fault,omitempty"` // Run-fatal cause, empty on success.
	Items      []ItemResult `json:"items,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Store is the persistence interface for the plugin catalog.
type Store interface {
	Create(ctx context.Context, p *Plugin) error
	Get(ctx context.Context, id uuid.UUID) (*Plugin, error)
	List(ctx context.Context) ([]Plugin, error)
	Update(ctx context.Context, p *Plugin) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunStore persists run records and their outcomes.
type RunStore interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	ListByPlugin(ctx context.Context, pluginID uuid.UUID, limit int) ([]Run, error)
	Update(ctx context.Context, r *Run) error
}
