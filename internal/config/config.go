// Package config handles loading and validating Hifadhi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Hifadhi.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.hifadhi. Override: HIFADHI_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir).
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`       // API key -> caller ID. Empty = all requests rejected.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // Per caller. 0 = unlimited.
	MaxRequestSize    int64             `json:"max_request_size" yaml:"max_request_size"`       // Bytes. 0 = 1 MB.
}

// Addr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: HIFADHI_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// EngineConfig bounds plugin executions. All ceilings are fixed by the
// host at startup and are read-only afterwards.
type EngineConfig struct {
	CallTimeoutSeconds     int   `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`         // Per entry-point call. Default: 60.
	RequestTimeoutSeconds  int   `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`   // Per http_request. Default: 30.
	DownloadTimeoutSeconds int   `json:"download_timeout_seconds" yaml:"download_timeout_seconds"` // Per request_download. Default: 300.
	MaxResponseBytes       int64 `json:"max_response_bytes" yaml:"max_response_bytes"`             // Default: 5 MB.
	MaxDownloadBytes       int64 `json:"max_download_bytes" yaml:"max_download_bytes"`             // Default: 1 GB.
	MaxQueueItems          int   `json:"max_queue_items" yaml:"max_queue_items"`                   // Default: 10000.
	RegistryMaxSize        int   `json:"registry_max_size" yaml:"registry_max_size"`               // Interpreter memory ceiling. Default: 1M slots.
	AllowPrivateIPs        bool  `json:"allow_private_ips" yaml:"allow_private_ips"`               // Dev/test only.
}

// CallTimeout returns the per-call wall-clock budget.
func (e *EngineConfig) CallTimeout() time.Duration {
	if e.CallTimeoutSeconds > 0 {
		return time.Duration(e.CallTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// RequestTimeout returns the http_request ceiling.
func (e *EngineConfig) RequestTimeout() time.Duration {
	if e.RequestTimeoutSeconds > 0 {
		return time.Duration(e.RequestTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DownloadTimeout returns the request_download ceiling.
func (e *EngineConfig) DownloadTimeout() time.Duration {
	if e.DownloadTimeoutSeconds > 0 {
		return time.Duration(e.DownloadTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hifadhi".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// DefaultConfigPath returns the default config file path (~/.hifadhi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/hifadhi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".hifadhi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a usable zero-file configuration: SQLite under the data
// dir, no API keys, observability disabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// applyEnv applies environment variable overrides — env vars take
// precedence over config file values.
func (c *Config) applyEnv() {
	if envDD := os.Getenv("HIFADHI_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("HIFADHI_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("HIFADHI_API_KEY"); envKey != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = map[string]string{}
		}
		c.Server.APIKeys[envKey] = "default"
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".hifadhi")
		} else {
			c.DataDir = "."
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.StorageDriver() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or HIFADHI_DB_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (supported: sqlite, postgres)", c.Storage.Driver)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required when tracing is enabled")
		}
	}
	return nil
}

// DatabasePath returns the SQLite database path, defaulting under the data dir.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "hifadhi.db")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
