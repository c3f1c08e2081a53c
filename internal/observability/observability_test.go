package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/hifadhi/internal/config"
)

func TestHealthCheckerLiveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q, want ok", got.Status)
	}
}

func TestHealthCheckerReadiness(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthChecker(logger)

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no probes should be ok, got %q", got.Status)
	}

	h.AddCheck("database", func(ctx context.Context) error { return nil })
	h.AddCheck("broker", func(ctx context.Context) error { return errors.New("connection refused") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["database"].Status != "ok" {
		t.Errorf("database check = %+v", got.Checks["database"])
	}
	if got.Checks["broker"].Status != "fail" || got.Checks["broker"].Message == "" {
		t.Errorf("broker check = %+v", got.Checks["broker"])
	}
}

func TestMetricsCollectorRegisters(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("nil registry")
	}

	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/plugins", "200").Inc()
	m.HTTPRequestDuration.WithLabelValues("GET", "/v1/plugins").Observe(0.01)
	m.ActiveRequests.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestNewDisabledConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	obs, err := New(nil, logger)
	if err != nil {
		t.Fatalf("nil config: %v", err)
	}
	if obs != nil {
		t.Fatalf("nil config should disable observability, got %+v", obs)
	}
	if obs.TracerOrNil() != nil {
		t.Error("nil facade should report no tracer")
	}
	obs.Shutdown(context.Background()) // nil-safe
}

func TestNewMetricsAndHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.ObservabilityConfig{}

	obs, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil {
		t.Error("nothing enabled, collectors should be nil")
	}
	if obs.Health == nil {
		t.Error("health checker must always exist")
	}
}

func TestNewMetricsOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}

	obs, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics enabled but collector missing")
	}
	var _ *prometheus.Registry = obs.Metrics.Registry
	if obs.Tracer != nil {
		t.Error("tracing not enabled but tracer exists")
	}
}
