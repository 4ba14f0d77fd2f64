package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects the persistence layer. Kind "memory" needs no DSN and
// is meant for development and tests; "postgres" requires a DSN.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// QueueConfig bounds worker concurrency and the scan retry budget.
type QueueConfig struct {
	ScanWorkers        int `yaml:"scan_workers"`
	RemediationWorkers int `yaml:"remediation_workers"`
	ScanMaxAttempts    int `yaml:"scan_max_attempts"`
}

// AdvisorConfig enables the Gemini-backed finding advisor when an API key is
// present.
type AdvisorConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type Config struct {
	Listen                string        `yaml:"listen"`
	Store                 StoreConfig   `yaml:"store"`
	Queue                 QueueConfig   `yaml:"queue"`
	BackendTimeoutSeconds int           `yaml:"backend_timeout_seconds"`
	Advisor               AdvisorConfig `yaml:"advisor"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store:  StoreConfig{Kind: "memory"},
		Queue: QueueConfig{
			ScanWorkers:        4,
			RemediationWorkers: 2,
			ScanMaxAttempts:    3,
		},
		BackendTimeoutSeconds: 120,
		Advisor:               AdvisorConfig{Model: "gemini-pro"},
	}
}

// Load reads a YAML config file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "memory"
	}
	if cfg.Store.Kind == "postgres" && cfg.Store.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for postgres store")
	}
	if cfg.Queue.ScanWorkers <= 0 {
		cfg.Queue.ScanWorkers = 4
	}
	if cfg.Queue.RemediationWorkers <= 0 {
		cfg.Queue.RemediationWorkers = 2
	}
	if cfg.Queue.ScanMaxAttempts <= 0 {
		cfg.Queue.ScanMaxAttempts = 3
	}
	if cfg.BackendTimeoutSeconds <= 0 {
		cfg.BackendTimeoutSeconds = 120
	}
	if cfg.Advisor.Model == "" {
		cfg.Advisor.Model = "gemini-pro"
	}
	return cfg, nil
}

// BackendTimeout is the bound applied to every execution backend call.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}
