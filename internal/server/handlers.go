package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/plugin"
	"github.com/jkaninda/okapi"
)

// PluginRequest is the JSON body for plugin create and update.
type PluginRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"` // Lua plugin source.
}

// PluginResponse is the JSON representation of a registered plugin.
type PluginResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunResponse is the JSON representation of a backup run.
type RunResponse struct {
	ID         string              `json:"id"`
	PluginID   string              `json:"plugin_id"`
	PluginName string              `json:"plugin_name"`
	Status     string              `json:"status"`
	Discovered int                 `json:"discovered"`
	Fetched    int                 `json:"fetched"`
	Skipped    int                 `json:"skipped"`
	Errored    int                 `json:"errored"`
	Fault      string              `json:"fault,omitempty"`
	Items      []plugin.ItemResult `json:"items,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

func pluginResponse(p *plugin.Plugin, includeSource bool) PluginResponse {
	resp := PluginResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if includeSource {
		resp.Source = p.Source
	}
	return resp
}

func runResponse(r *plugin.Run) RunResponse {
	return RunResponse{
		ID:         r.ID.String(),
		PluginID:   r.PluginID.String(),
		PluginName: r.PluginName,
		Status:     string(r.Status),
		Discovered: r.Discovered,
		Fetched:    r.Fetched,
		Skipped:    r.Skipped,
		Errored:    r.Errored,
		Fault:      r.Fault,
		Items:      r.Items,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// --- Plugin handlers ---

func (g *Gateway) handlePluginCreate(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.allow(caller); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req PluginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.AbortBadRequest("name is required")
	}
	if strings.TrimSpace(req.Source) == "" {
		return c.AbortBadRequest("source is required")
	}

	p := &plugin.Plugin{
		ID:     uuid.New(),
		Name:   req.Name,
		Source: req.Source,
	}
	if err := g.plugins.Create(c.Context(), p); err != nil {
		g.logger.Error("plugin creation failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusConflict, ErrorBody{Error: "plugin name already in use"})
	}

	g.logger.Info("plugin registered",
		slog.String("plugin_id", p.ID.String()),
		slog.String("name", p.Name),
		slog.String("caller", caller),
	)
	return c.JSON(http.StatusCreated, pluginResponse(p, true))
}

func (g *Gateway) handlePluginList(c *okapi.Context) error {
	plugins, err := g.plugins.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing plugins failed")
	}

	resp := make([]PluginResponse, len(plugins))
	for i := range plugins {
		resp[i] = pluginResponse(&plugins[i], false)
	}
	return c.OK(resp)
}

func (g *Gateway) handlePluginGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid plugin ID")
	}

	p, err := g.plugins.Get(c.Context(), id)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "plugin not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("getting plugin failed")
	}
	return c.OK(pluginResponse(p, true))
}

func (g *Gateway) handlePluginUpdate(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.allow(caller); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid plugin ID")
	}

	var req PluginRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.AbortBadRequest("name is required")
	}
	if strings.TrimSpace(req.Source) == "" {
		return c.AbortBadRequest("source is required")
	}

	p := &plugin.Plugin{ID: id, Name: req.Name, Source: req.Source}
	err = g.plugins.Update(c.Context(), p)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "plugin not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("updating plugin failed")
	}

	g.logger.Info("plugin updated",
		slog.String("plugin_id", id.String()),
		slog.String("caller", caller),
	)
	return c.OK(pluginResponse(p, true))
}

func (g *Gateway) handlePluginDelete(c *okapi.Context) error {
	caller := c.GetString("caller")

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid plugin ID")
	}

	err = g.plugins.Delete(c.Context(), id)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "plugin not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("deleting plugin failed")
	}

	g.logger.Info("plugin deleted",
		slog.String("plugin_id", id.String()),
		slog.String("caller", caller),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

// --- Run handlers ---

func (g *Gateway) handleRunStart(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.allow(caller); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid plugin ID")
	}

	p, err := g.plugins.Get(c.Context(), id)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "plugin not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("getting plugin failed")
	}

	correlationID := newCorrelationID()
	record, err := g.startRun(c.Context(), p)
	if err != nil {
		g.logger.Error("persisting run record failed",
			slog.String("plugin_id", p.ID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("starting run failed")
	}

	g.logger.Info("run accepted",
		slog.String("run_id", record.ID.String()),
		slog.String("plugin_id", p.ID.String()),
		slog.String("caller", caller),
		slog.String("correlation_id", correlationID),
	)
	return c.JSON(http.StatusAccepted, runResponse(record))
}

// startRun persists the pending run record and only then launches the
// execution. The order matters: a plugin that fails to load reaches its
// terminal state within microseconds, and the observer's terminal update
// must find a row to overwrite.
func (g *Gateway) startRun(ctx context.Context, p *plugin.Plugin) (*plugin.Run, error) {
	record := &plugin.Run{
		ID:         uuid.New(),
		PluginID:   p.ID,
		PluginName: p.Name,
		Status:     plugin.RunPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := g.runs.Create(ctx, record); err != nil {
		return nil, err
	}
	g.supervisor.StartExecution(ctx, p, record.ID)
	return record, nil
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid plugin ID")
	}

	if _, err := g.plugins.Get(c.Context(), id); errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "plugin not found"})
	}

	limit := 50
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := g.runs.ListByPlugin(c.Context(), id, limit)
	if err != nil {
		return c.AbortInternalServerError("listing runs failed")
	}

	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = runResponse(&runs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := g.runs.Get(c.Context(), id)
	if errors.Is(err, plugin.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		return c.AbortInternalServerError("getting run failed")
	}
	return c.OK(runResponse(run))
}

// allow applies the per-caller rate limit. Nil limiter = unlimited.
func (g *Gateway) allow(caller string) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(caller)
}
