package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/greenroom/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Bus.Mode != "memory" {
		t.Fatalf("expected memory bus by default, got %q", cfg.Bus.Mode)
	}
	if cfg.Store.Path == "" {
		t.Fatalf("default store path should be populated")
	}
	if cfg.RPC.Timeout != 30*time.Second {
		t.Fatalf("unexpected rpc timeout: %v", cfg.RPC.Timeout)
	}
	if cfg.Observe.Enabled {
		t.Fatalf("observe server should be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := `
store:
  path: /tmp/gr-test.db
bus:
  mode: nats
  url: nats://example:4222
harness:
  binaries:
    opencode: /opt/opencode/bin/opencode
observe:
  enabled: true
  bind: 127.0.0.1:9999
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/tmp/gr-test.db" {
		t.Fatalf("store path not loaded: %q", cfg.Store.Path)
	}
	if cfg.Bus.Mode != "nats" || cfg.Bus.URL != "nats://example:4222" {
		t.Fatalf("bus config not loaded: %+v", cfg.Bus)
	}
	if cfg.Harness.Binaries["opencode"] != "/opt/opencode/bin/opencode" {
		t.Fatalf("harness binaries not loaded: %+v", cfg.Harness.Binaries)
	}
	if !cfg.Observe.Enabled || cfg.Observe.Bind != "127.0.0.1:9999" {
		t.Fatalf("observe config not loaded: %+v", cfg.Observe)
	}
	// Unset fields keep their defaults.
	if cfg.Logging.Level != config.DefaultLogLevel {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: /tmp/from-file.db\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GREENROOM_STORE_PATH", "/tmp/from-env.db")
	t.Setenv("GREENROOM_BUS_MODE", "nats")
	t.Setenv("GREENROOM_NATS_URL", "nats://env:4222")
	t.Setenv("GREENROOM_LOG_LEVEL", "debug")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/tmp/from-env.db" {
		t.Fatalf("env override lost: %q", cfg.Store.Path)
	}
	if cfg.Bus.Mode != "nats" || cfg.Bus.URL != "nats://env:4222" {
		t.Fatalf("bus env overrides lost: %+v", cfg.Bus)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level override lost: %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadBusMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bus.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for bad bus mode")
	}
}

func TestValidateRequiresNATSURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bus.Mode = "nats"
	cfg.Bus.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing nats url")
	}
}
