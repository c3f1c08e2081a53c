package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// pluginRepository implements plugin.Store on GORM.
type pluginRepository struct {
	db *gorm.DB
}

func (r *pluginRepository) Create(ctx context.Context, p *plugin.Plugin) error {
	now := time.Now().UTC()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(toPluginModel(p)).Error; err != nil {
		return fmt.Errorf("creating plugin: %w", err)
	}
	return nil
}

func (r *pluginRepository) Get(ctx context.Context, id uuid.UUID) (*plugin.Plugin, error) {
	var m PluginModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plugin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting plugin: %w", err)
	}
	return fromPluginModel(&m), nil
}

func (r *pluginRepository) List(ctx context.Context) ([]plugin.Plugin, error) {
	var models []PluginModel
	if err := r.db.WithContext(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	out := make([]plugin.Plugin, len(models))
	for i := range models {
		out[i] = *fromPluginModel(&models[i])
	}
	return out, nil
}

func (r *pluginRepository) Update(ctx context.Context, p *plugin.Plugin) error {
	p.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&PluginModel{}).Where("id = ?", p.ID).Updates(map[string]any{
		"name":       p.Name,
		"source":     p.Source,
		"updated_at": p.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("updating plugin: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return plugin.ErrNotFound
	}
	return nil
}

func (r *pluginRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&PluginModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting plugin: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return plugin.ErrNotFound
	}
	return nil
}

// runRepository implements plugin.RunStore on GORM.
type runRepository struct {
	db *gorm.DB
}

func (r *runRepository) Create(ctx context.Context, run *plugin.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (r *runRepository) Get(ctx context.Context, id uuid.UUID) (*plugin.Run, error) {
	var m RunModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plugin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return fromRunModel(&m)
}

func (r *runRepository) ListByPlugin(ctx context.Context, pluginID uuid.UUID, limit int) ([]plugin.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []RunModel
	err := r.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]plugin.Run, len(models))
	for i := range models {
		run, err := fromRunModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("decoding run %s: %w", models[i].ID, err)
		}
		out[i] = *run
	}
	return out, nil
}

func (r *runRepository) Update(ctx context.Context, run *plugin.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":      m.Status,
		"discovered":  m.Discovered,
		"fetched":     m.Fetched,
		"skipped":     m.Skipped,
		"errored":     m.Errored,
		"fault":       m.Fault,
		"items_json":  m.ItemsJSON,
		"finished_at": m.FinishedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("updating run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return plugin.ErrNotFound
	}
	return nil
}

// compile-time interface checks
var (
	_ plugin.Store    = (*pluginRepository)(nil)
	_ plugin.RunStore = (*runRepository)(nil)
)
