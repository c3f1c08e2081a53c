package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// Config bounds every run the orchestrator drives. Read-only after
// initialization — it is the only state shared across runs.
type Config struct {
	Bridge  BridgeConfig
	Sandbox SandboxConfig
}

// Orchestrator drives the three-phase backup protocol against one sandbox
// instance per run: enumerate, then describe and fetch each discovered
// item strictly in emission order. It never retries; retry policy belongs
// to the caller.
type Orchestrator struct {
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
}

// NewOrchestrator creates a backup orchestrator. metrics may be nil.
func NewOrchestrator(cfg Config, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{cfg: cfg, metrics: metrics, logger: logger}
}

// Execute performs one full run of the plugin and always returns a
// well-formed terminal record — it never returns an error and never
// panics past its boundary. sink may be nil.
func (o *Orchestrator) Execute(ctx context.Context, p *plugin.Plugin, runID uuid.UUID, sink func(Event)) *plugin.Run {
	started := time.Now().UTC()
	run := &plugin.Run{
		ID:         runID,
		PluginID:   p.ID,
		PluginName: p.Name,
		Status:     plugin.RunRunning,
		StartedAt:  started,
	}

	logger := o.logger.With(
		slog.String("run_id", runID.String()),
		slog.String("plugin", p.Name),
	)

	bridge := NewBridge(o.cfg.Bridge, logger)
	sb := NewSandbox(o.cfg.Sandbox, bridge, logger)
	defer sb.Close()

	emit := func(ev Event) {
		if sink != nil {
			ev.RunID = runID
			ev.PluginID = p.ID
			ev.Time = time.Now().UTC()
			sink(ev)
		}
	}

	fail := func(cause error) *plugin.Run {
		run.Status = plugin.RunFailed
		run.Fault = cause.Error()
		run.Discovered = 0
		run.Items = nil
		o.finish(run, started, logger)
		emit(Event{Type: EventPhase, Phase: PhaseFailed})
		return run
	}

	if err := sb.Load(p.Source); err != nil {
		logger.Warn("plugin load failed", slog.String("error", err.Error()))
		return fail(err)
	}

	emit(Event{Type: EventPhase, Phase: PhaseEnumerating})
	if err := sb.CallEnumerate(ctx); err != nil {
		// Enumeration is all-or-nothing: a fault here means nothing
		// downstream can be trusted, even already-emitted ids.
		logger.Warn("enumeration failed", slog.String("error", err.Error()))
		return fail(err)
	}

	// The frozen snapshot is the run's fixed work list. Duplicates are
	// processed as independent items.
	items := bridge.Snapshot()
	run.Discovered = len(items)
	logger.Info("enumeration complete", slog.Int("items", len(items)))

	emit(Event{Type: EventPhase, Phase: PhaseProcessing})
	for _, itemID := range items {
		result, fatal := o.processItem(ctx, sb, itemID)
		if fatal != nil {
			logger.Warn("run aborted", slog.String("error", fatal.Error()))
			return fail(fatal)
		}

		run.Items = append(run.Items, *result)
		switch result.Status {
		case plugin.ItemFetched:
			run.Fetched++
		case plugin.ItemSkipped:
			run.Skipped++
		case plugin.ItemErrored:
			run.Errored++
		}
		if o.metrics != nil {
			o.metrics.ItemsTotal.WithLabelValues(string(result.Status)).Inc()
		}
		emit(Event{Type: EventItem, Item: result})
	}

	run.Status = plugin.RunCompleted
	if o.metrics != nil {
		o.metrics.DownloadedBytesTotal.Add(float64(bridge.DownloadedBytes()))
	}
	o.finish(run, started, logger)
	emit(Event{Type: EventPhase, Phase: PhaseCompleted})
	return run
}

// processItem runs describe then fetch for one item. A failure is scoped
// to the item — recorded and skipped over — except resource exhaustion,
// which leaves the interpreter in an unusable state and aborts the run.
func (o *Orchestrator) processItem(ctx context.Context, sb *Sandbox, itemID string) (*plugin.ItemResult, error) {
	desc, err := sb.CallDescribe(ctx, itemID)
	if err != nil {
		if isResourceExceeded(err) {
			return nil, err
		}
		return &plugin.ItemResult{
			ItemID: itemID,
			Status: plugin.ItemSkipped,
			Reason: err.Error(),
		}, nil
	}

	if desc.Checksum == "" {
		return &plugin.ItemResult{
			ItemID: itemID,
			Status: plugin.ItemSkipped,
			Reason: "descriptor has no checksum",
			Name:   desc.Name,
			Path:   desc.Path,
			Size:   desc.Size,
		}, nil
	}

	if err := sb.CallFetch(ctx, itemID); err != nil {
		if isResourceExceeded(err) {
			return nil, err
		}
		return &plugin.ItemResult{
			ItemID: itemID,
			Status: plugin.ItemErrored,
			Reason: err.Error(),
			Name:   desc.Name,
			Path:   desc.Path,
			Size:   desc.Size,
		}, nil
	}

	return &plugin.ItemResult{
		ItemID: itemID,
		Status: plugin.ItemFetched,
		Name:   desc.Name,
		Path:   desc.Path,
		Size:   desc.Size,
	}, nil
}

func (o *Orchestrator) finish(run *plugin.Run, started time.Time, logger *slog.Logger) {
	now := time.Now().UTC()
	run.FinishedAt = &now

	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		o.metrics.RunDuration.WithLabelValues(string(run.Status)).Observe(now.Sub(started).Seconds())
	}

	logger.Info("run finished",
		slog.String("status", string(run.Status)),
		slog.Int("discovered", run.Discovered),
		slog.Int("fetched", run.Fetched),
		slog.Int("skipped", run.Skipped),
		slog.Int("errored", run.Errored),
		slog.String("duration", now.Sub(started).String()),
	)
}

func isResourceExceeded(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == ResourceExceeded
}
