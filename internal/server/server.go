// Package server implements the HTTP API gateway for Hifadhi.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/observability"
	"github.com/jkaninda/hifadhi/internal/plugin"
	"github.com/jkaninda/hifadhi/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → caller ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	plugins    plugin.Store
	runs       plugin.RunStore
	supervisor *engine.Supervisor
	hub        *Hub
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, plugins plugin.Store, runs plugin.RunStore, sup *engine.Supervisor, hub *Hub, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:     cfg,
		plugins:    plugins,
		runs:       runs,
		supervisor: sup,
		hub:        hub,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithOpenAPIDocs enables the interactive OpenAPI docs endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Hifadhi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Plugin endpoints.
	g.group.Post("/plugins", g.handlePluginCreate,
		okapi.DocSummary("Register a new plugin"),
		okapi.DocTags("Plugins"),
		okapi.DocRequestBody(PluginRequest{}),
		okapi.DocResponse(http.StatusCreated, PluginResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/plugins", g.handlePluginList,
		okapi.DocSummary("List all registered plugins"),
		okapi.DocTags("Plugins"),
		okapi.DocResponse([]PluginResponse{}),
	)
	g.group.Get("/plugins/{id}", g.handlePluginGet,
		okapi.DocSummary("Get a plugin by ID"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("id", "string", "Plugin ID (UUID)"),
		okapi.DocResponse(PluginResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/plugins/{id}", g.handlePluginUpdate,
		okapi.DocSummary("Update a plugin's source"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("id", "string", "Plugin ID (UUID)"),
		okapi.DocRequestBody(PluginRequest{}),
		okapi.DocResponse(PluginResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/plugins/{id}", g.handlePluginDelete,
		okapi.DocSummary("Delete a plugin"),
		okapi.DocTags("Plugins"),
		okapi.DocPathParam("id", "string", "Plugin ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Run endpoints.
	g.group.Post("/plugins/{id}/runs", g.handleRunStart,
		okapi.DocSummary("Start a backup run for a plugin"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Plugin ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/plugins/{id}/runs", g.handleRunList,
		okapi.DocSummary("List recent runs for a plugin"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Plugin ID (UUID)"),
		okapi.DocResponse([]RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run with its per-item outcome log"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/events", g.handleRunEvents,
		okapi.DocSummary("Stream run events via SSE"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// WebSocket event feed (all runs).
	g.okapi.HandleStd("GET", "/ws/events", g.handleEventsWS)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		caller := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				caller = id
			}
		}
		if caller == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", caller)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
