package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8081" || cfg.Store != StoreMemory || cfg.Persist.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Connection.CheckOrigin == nil {
		t.Fatal("default CheckOrigin missing")
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
port: "9000"
store: postgres
command_timeout: 2s
connection:
  ping_interval: 15s
persist:
  workers: 8
  retry_delay: 50ms
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GATEWAY_PORT", "9100")
	t.Setenv("PERSIST_QUEUE_SIZE", "64")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env should override file port, got %s", cfg.Port)
	}
	if cfg.Store != StorePostgres || cfg.CommandTimeout != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Connection.PingInterval != 15*time.Second || cfg.Connection.ReadTimeout != 60*time.Second {
		t.Fatalf("unexpected connection config: %+v", cfg.Connection)
	}
	if cfg.Persist.Workers != 8 || cfg.Persist.RetryDelay != 50*time.Millisecond || cfg.Persist.QueueSize != 64 {
		t.Fatalf("unexpected persist config: %+v", cfg.Persist)
	}
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "redis")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
