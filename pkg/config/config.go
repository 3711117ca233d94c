// Package config loads greenroom configuration from YAML with environment
// variable overrides. Defaults are usable out of the box: an in-memory bus,
// a store under ~/.greenroom, and the opencode harness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultBusMode     = "memory"
	DefaultNATSURL     = "nats://localhost:4222"
	DefaultObserveBind = "127.0.0.1:7421"
	DefaultLogLevel    = "info"
	DefaultRPCTimeout  = 30 * time.Second
)

// Config is the complete greenroom configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	Harness HarnessConfig `yaml:"harness"`
	Observe ObserveConfig `yaml:"observe"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BusConfig selects the message transport.
type BusConfig struct {
	// Mode is "memory" or "nats".
	Mode string `yaml:"mode"`
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// HarnessConfig maps harness kinds to their launch commands.
type HarnessConfig struct {
	// Binaries overrides the executable per kind, e.g. opencode: /usr/local/bin/opencode.
	Binaries map[string]string `yaml:"binaries"`
}

// ObserveConfig controls the headless observe server.
type ObserveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// LoggingConfig controls the JSONL logs.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// RPCConfig bounds service calls.
type RPCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Store:   StoreConfig{Path: defaultStorePath()},
		Bus:     BusConfig{Mode: DefaultBusMode, URL: DefaultNATSURL, Name: "greenroom"},
		Harness: HarnessConfig{Binaries: map[string]string{}},
		Observe: ObserveConfig{Enabled: false, Bind: DefaultObserveBind},
		Logging: LoggingConfig{Dir: defaultLogDir(), Level: DefaultLogLevel},
		RPC:     RPCConfig{Timeout: DefaultRPCTimeout},
	}
}

func greenroomHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".greenroom")
}

func defaultStorePath() string {
	return filepath.Join(greenroomHome(), "greenroom.db")
}

func defaultLogDir() string {
	return filepath.Join(greenroomHome(), "logs")
}

// Load reads ~/.greenroom/config.yaml when present, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(greenroomHome(), "config.yaml")
	if err := loadAndMerge(cfg, path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GREENROOM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GREENROOM_BUS_MODE"); v != "" {
		cfg.Bus.Mode = v
	}
	if v := os.Getenv("GREENROOM_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("GREENROOM_OBSERVE_BIND"); v != "" {
		cfg.Observe.Bind = v
		cfg.Observe.Enabled = true
	}
	if v := os.Getenv("GREENROOM_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("GREENROOM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Bus.Mode) {
	case "memory", "nats":
	default:
		return fmt.Errorf("bus.mode must be \"memory\" or \"nats\", got %q", c.Bus.Mode)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.Bus.Mode == "nats" && strings.TrimSpace(c.Bus.URL) == "" {
		return fmt.Errorf("bus.url required when bus.mode is nats")
	}
	if c.RPC.Timeout < 0 {
		return fmt.Errorf("rpc.timeout cannot be negative")
	}
	return nil
}
