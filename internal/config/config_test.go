// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9090"

database:
  path: "./test.db"

bus:
  driver: "redis"
  redis:
    addr: "localhost:6380"
    db: 2
  topics:
    reasoning: "custom-reasoning"
    action: "custom-action"

receipts:
  stale_threshold: "90s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:9090", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want ./test.db", cfg.Database.Path)
	}
	if cfg.Bus.Driver != "redis" {
		t.Errorf("Bus.Driver = %q, want redis", cfg.Bus.Driver)
	}
	if cfg.Bus.Redis.Addr != "localhost:6380" {
		t.Errorf("Redis.Addr = %q, want localhost:6380", cfg.Bus.Redis.Addr)
	}
	if cfg.Bus.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Bus.Redis.DB)
	}
	if cfg.Bus.Topics.Reasoning != "custom-reasoning" {
		t.Errorf("Topics.Reasoning = %q, want custom-reasoning", cfg.Bus.Topics.Reasoning)
	}
	if cfg.Receipts.StaleThreshold != 90*time.Second {
		t.Errorf("StaleThreshold = %v, want 90s", cfg.Receipts.StaleThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want default 0.0.0.0:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("Bus.Driver = %q, want default memory", cfg.Bus.Driver)
	}
	if cfg.Bus.Topics.Reasoning != "reasoning-requested" {
		t.Errorf("Topics.Reasoning = %q, want default reasoning-requested", cfg.Bus.Topics.Reasoning)
	}
	if cfg.Bus.Topics.Action != "action-requested" {
		t.Errorf("Topics.Action = %q, want default action-requested", cfg.Bus.Topics.Action)
	}
	if cfg.Receipts.StaleThreshold != 0 {
		t.Errorf("StaleThreshold = %v, want 0 (store default)", cfg.Receipts.StaleThreshold)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_PIPELINE_DB", "/var/lib/pipeline.db")

	configPath := writeConfig(t, `
database:
  path: "${TEST_PIPELINE_DB}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/pipeline.db" {
		t.Errorf("Database.Path = %q, want expanded value", cfg.Database.Path)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOPIC_REASONING", "override-reasoning")
	t.Setenv("RECEIPT_STALE_THRESHOLD_MS", "45000")

	configPath := writeConfig(t, `
database:
  path: "./test.db"

bus:
  topics:
    reasoning: "file-reasoning"

receipts:
  stale_threshold: "2m"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bus.Topics.Reasoning != "override-reasoning" {
		t.Errorf("Topics.Reasoning = %q, env override should win", cfg.Bus.Topics.Reasoning)
	}
	if cfg.Receipts.StaleThreshold != 45*time.Second {
		t.Errorf("StaleThreshold = %v, want 45s from env", cfg.Receipts.StaleThreshold)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

bus:
  driver: "kafka"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
	if !strings.Contains(err.Error(), "bus.driver") {
		t.Errorf("error %q should mention bus.driver", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"

receipts:
  stale_threshold: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected duration parse error")
	}
	if !strings.Contains(err.Error(), "stale_threshold") {
		t.Errorf("error %q should mention stale_threshold", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("Bus.Driver = %q, want memory", cfg.Bus.Driver)
	}
}
