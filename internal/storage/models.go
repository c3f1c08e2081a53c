package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// PluginModel maps to the "plugins" table.
type PluginModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null;uniqueIndex"`
	Source    string    `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (PluginModel) TableName() string { return "plugins" }

// RunModel maps to the "runs" table. The per-item outcome log is stored
// as JSON text — SQLite stores JSON natively as text and PostgreSQL
// accepts it into a text column without a dialect-specific type.
type RunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PluginID   uuid.UUID `gorm:"type:uuid;not null;index"`
	PluginName string    `gorm:"not null"`
	Status     string    `gorm:"not null;index"`
	Discovered int       `gorm:"not null;default:0"`
	Fetched    int       `gorm:"not null;default:0"`
	Skipped    int       `gorm:"not null;default:0"`
	Errored    int       `gorm:"not null;default:0"`
	Fault      string
	ItemsJSON  string `gorm:"type:text"`
	StartedAt  time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (RunModel) TableName() string { return "runs" }

func toPluginModel(p *plugin.Plugin) *PluginModel {
	return &PluginModel{
		ID:        p.ID,
		Name:      p.Name,
		Source:    p.Source,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func fromPluginModel(m *PluginModel) *plugin.Plugin {
	return &plugin.Plugin{
		ID:        m.ID,
		Name:      m.Name,
		Source:    m.Source,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toRunModel(r *plugin.Run) (*RunModel, error) {
	itemsJSON := ""
	if len(r.Items) > 0 {
		b, err := json.Marshal(r.Items)
		if err != nil {
			return nil, err
		}
		itemsJSON = string(b)
	}
	return &RunModel{
		ID:         r.ID,
		PluginID:   r.PluginID,
		PluginName: r.PluginName,
		Status:     string(r.Status),
		Discovered: r.Discovered,
		Fetched:    r.Fetched,
		Skipped:    r.Skipped,
		Errored:    r.Errored,
		Fault:      r.Fault,
		ItemsJSON:  itemsJSON,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}, nil
}

func fromRunModel(m *RunModel) (*plugin.Run, error) {
	var items []plugin.ItemResult
	if m.ItemsJSON != "" {
		if err := json.Unmarshal([]byte(m.ItemsJSON), &items); err != nil {
			return nil, err
		}
	}
	return &plugin.Run{
		ID:         m.ID,
		PluginID:   m.PluginID,
		PluginName: m.PluginName,
		Status:     plugin.RunStatus(m.Status),
		Discovered: m.Discovered,
		Fetched:    m.Fetched,
		Skipped:    m.Skipped,
		Errored:    m.Errored,
		Fault:      m.Fault,
		Items:      items,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}, nil
}
