package observability

import (
	"context"
	"log/slog"
	"time"
)

const readinessTimeout = 3 * time.Second

// HealthChecker aggregates readiness probes for the gateway's
// /healthz and /readyz endpoints.
type HealthChecker struct {
	probes []probe
	logger *slog.Logger
}

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.probes = append(h.probes, probe{name: name, check: check})
}

// CheckHealth returns liveness. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe and aggregates the result.
// "ok" only when all probes pass, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.probes)),
	}

	for _, p := range h.probes {
		err := p.check(probeCtx)
		if err == nil {
			status.Checks[p.name] = CheckResult{Status: "ok"}
			continue
		}
		status.Status = "degraded"
		status.Checks[p.name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("probe", p.name),
				slog.String("error", err.Error()),
			)
		}
	}

	return status
}
