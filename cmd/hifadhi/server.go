package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hifadhi/internal/config"
	"github.com/jkaninda/hifadhi/internal/engine"
	"github.com/jkaninda/hifadhi/internal/observability"
	"github.com/jkaninda/hifadhi/internal/ratelimit"
	"github.com/jkaninda/hifadhi/internal/server"
	"github.com/jkaninda/hifadhi/internal/storage"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `hifadhi --config path` and `hifadhi server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts Hifadhi in server mode.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("HIFADHI_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting in server mode", slog.String("config", serverConfigPath))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Engine.
	var engMetrics *engine.Metrics
	if obs != nil && obs.Metrics != nil {
		engMetrics = engine.NewMetrics(obs.Metrics.Registry)
	}
	orch := engine.NewOrchestrator(engineConfig(cfg), engMetrics, logger)
	supervisor := engine.NewSupervisor(orch, engMetrics, logger)
	if obs != nil && obs.Tracer != nil {
		supervisor.WithTracer(obs.Tracer.Tracer())
	}

	// Event hub + run recorder.
	hub := server.NewHub()
	supervisor.WithObserver(server.NewRecorder(hub, store.Runs(), logger))

	// Rate limiter.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	})

	// Build API key → caller mapping from config + env override.
	apiKeys := cfg.Server.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("HIFADHI_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	gwCfg := server.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := server.NewGateway(gwCfg, store.Plugins(), store.Runs(), supervisor, hub, limiter, logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := "sqlite"
	if cfg.Storage != nil {
		driver = cfg.Storage.StorageDriver()
	}

	switch driver {
	case "postgres":
		pgCfg := storage.PostgresConfig{DSN: cfg.Storage.Postgres.DSN}
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		return storage.OpenPostgres(pgCfg, logger)
	case "sqlite":
		sqliteCfg := storage.SQLiteConfig{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return storage.OpenSQLite(sqliteCfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// engineConfig maps the application config onto the engine's limits.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Bridge: engine.BridgeConfig{
			RequestTimeout:   cfg.Engine.RequestTimeout(),
			DownloadTimeout:  cfg.Engine.DownloadTimeout(),
			MaxResponseBytes: cfg.Engine.MaxResponseBytes,
			MaxDownloadBytes: cfg.Engine.MaxDownloadBytes,
			MaxQueueItems:    cfg.Engine.MaxQueueItems,
			AllowPrivateIPs:  cfg.Engine.AllowPrivateIPs,
		},
		Sandbox: engine.SandboxConfig{
			CallTimeout:     cfg.Engine.CallTimeout(),
			RegistryMaxSize: cfg.Engine.RegistryMaxSize,
		},
	}
}
