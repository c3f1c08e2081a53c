package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// Supervisor accepts requests to run a plugin and spawns one goroutine
// per execution. Runs are fully independent: each gets its own sandbox
// instance and bridge, and an unhandled fault inside one run is caught at
// the goroutine boundary and converted into a failed outcome — it can
// never terminate the host process or leak into other runs.
type Supervisor struct {
	orch     *Orchestrator
	observer Observer
	metrics  *Metrics
	tracer   trace.Tracer // nil = tracing disabled.
	logger   *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*RunHandle
}

// RunHandle identifies one in-flight execution. The outcome becomes
// available once Done is closed.
type RunHandle struct {
	RunID    uuid.UUID
	PluginID uuid.UUID

	done chan struct{}
	run  *plugin.Run // Written once, before done closes.
}

// Done is closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal record, or nil while the run is in flight.
func (h *RunHandle) Outcome() *plugin.Run {
	select {
	case <-h.done:
		return h.run
	default:
		return nil
	}
}

// NewSupervisor creates an execution supervisor around the orchestrator.
func NewSupervisor(orch *Orchestrator, metrics *Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		orch:    orch,
		metrics: metrics,
		logger:  logger,
		active:  make(map[uuid.UUID]*RunHandle),
	}
}

// WithObserver registers the observer notified of run events and terminal
// outcomes. Nil-safe (no-op if nil).
func (s *Supervisor) WithObserver(obs Observer) *Supervisor {
	s.observer = obs
	return s
}

// WithTracer attaches an OTel tracer for per-run spans.
func (s *Supervisor) WithTracer(t trace.Tracer) *Supervisor {
	s.tracer = t
	return s
}

// StartExecution spawns an independent execution of the plugin and
// returns immediately. The run is detached from the caller's context
// lifetime — there is no cancellation primitive; a run ends only by
// reaching a terminal state or breaching its resource budget.
//
// runID identifies the execution; uuid.Nil gets a fresh one. Callers that
// persist a run record must do so before calling StartExecution — the run
// can reach its terminal state within microseconds of launch.
func (s *Supervisor) StartExecution(ctx context.Context, p *plugin.Plugin, runID uuid.UUID) *RunHandle {
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	h := &RunHandle{
		RunID:    runID,
		PluginID: p.ID,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.active[h.RunID] = h
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}

	s.logger.Info("execution started",
		slog.String("run_id", h.RunID.String()),
		slog.String("plugin_id", p.ID.String()),
		slog.String("plugin", p.Name),
	)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, h.RunID)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.ActiveRuns.Dec()
			}
			close(h.done)
		}()

		h.run = s.execute(runCtx, p, h.RunID)

		if s.observer != nil {
			s.observer.RunFinished(h.run)
		}
	}()

	return h
}

// Active returns the number of currently executing runs.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// execute drives one orchestrator run under the panic boundary.
func (s *Supervisor) execute(ctx context.Context, p *plugin.Plugin, runID uuid.UUID) (run *plugin.Run) {
	started := time.Now().UTC()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked",
				slog.String("run_id", runID.String()),
				slog.Any("panic", r),
			)
			now := time.Now().UTC()
			run = &plugin.Run{
				ID:         runID,
				PluginID:   p.ID,
				PluginName: p.Name,
				Status:     plugin.RunFailed,
				Fault:      fmt.Sprintf("internal fault: %v", r),
				StartedAt:  started,
				FinishedAt: &now,
			}
		}
	}()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "engine.run",
			trace.WithAttributes(
				attribute.String("run.id", runID.String()),
				attribute.String("plugin.name", p.Name),
			),
		)
		defer span.End()
	}

	var sink func(Event)
	if s.observer != nil {
		sink = s.observer.RunEvent
	}
	return s.orch.Execute(ctx, p, runID, sink)
}
