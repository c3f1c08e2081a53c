package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /var/lib/hifadhi
server:
  listen_addr: ":9090"
  requests_per_minute: 120
  api_keys:
    k1: alice
engine:
  call_timeout_seconds: 10
  max_queue_items: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/hifadhi" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Server.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Server.APIKeys["k1"] != "alice" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Engine.CallTimeout() != 10*time.Second {
		t.Errorf("call timeout = %v", cfg.Engine.CallTimeout())
	}
	if cfg.Engine.MaxQueueItems != 500 {
		t.Errorf("max queue items = %d", cfg.Engine.MaxQueueItems)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "server": {"listen_addr": ":7070"},
  "engine": {"request_timeout_seconds": 5}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr() != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Engine.RequestTimeout() != 5*time.Second {
		t.Errorf("request timeout = %v", cfg.Engine.RequestTimeout())
	}
}

func TestEngineDefaults(t *testing.T) {
	var e EngineConfig
	if e.CallTimeout() != 60*time.Second {
		t.Errorf("call timeout default = %v", e.CallTimeout())
	}
	if e.RequestTimeout() != 30*time.Second {
		t.Errorf("request timeout default = %v", e.RequestTimeout())
	}
	if e.DownloadTimeout() != 5*time.Minute {
		t.Errorf("download timeout default = %v", e.DownloadTimeout())
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("postgres without DSN should be rejected")
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage:
  driver: mongodb
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown driver should be rejected")
	}
}

func TestValidateTracingRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
observability:
  tracing:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("enabled tracing with no endpoint should be rejected")
	}
}

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	if cfg.DataDir == "" {
		t.Error("default data dir empty")
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("default driver = %q", cfg.Storage.StorageDriver())
	}
	if cfg.DatabasePath() == "" {
		t.Error("default database path empty")
	}
	if cfg.Server.Addr() != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIFADHI_DATA_DIR", "/tmp/hifadhi-test")
	t.Setenv("HIFADHI_API_KEY", "env-key")

	path := writeConfig(t, "config.yaml", `data_dir: /should/be/overridden`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/hifadhi-test" {
		t.Errorf("env override lost: %q", cfg.DataDir)
	}
	if cfg.Server.APIKeys["env-key"] != "default" {
		t.Errorf("api key env not applied: %v", cfg.Server.APIKeys)
	}
}
