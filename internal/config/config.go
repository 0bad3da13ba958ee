// Package config loads the engine configuration from a YAML file, with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// DatabaseConfig holds storage settings
type DatabaseConfig struct {
	// Path is the SQLite database file. Default: .prism/prism.db
	Path string `yaml:"path"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	// Addr is the listen address. Default: 127.0.0.1:8321
	Addr string `yaml:"addr"`
	// Token is the bearer token required on every API request. Falls back
	// to the PRISM_API_TOKEN environment variable.
	Token string `yaml:"token"`
}

// WorkerConfig holds poll and retry loop settings
type WorkerConfig struct {
	// PollInterval is how often a worker looks for claimable jobs.
	// Default: 2s
	PollInterval time.Duration `yaml:"poll_interval"`
	// HeartbeatInterval is how often a worker refreshes its liveness
	// timestamp. Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// RetryScanInterval is how often processing jobs are scanned for
	// timeouts. Default: 15s
	RetryScanInterval time.Duration `yaml:"retry_scan_interval"`
}

// AnthropicConfig holds narrative report settings
type AnthropicConfig struct {
	// APIKey authenticates batch requests. Falls back to the
	// ANTHROPIC_API_KEY environment variable.
	APIKey string `yaml:"api_key"`
	// Model overrides the default report model
	Model string `yaml:"model"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: ".prism/prism.db"},
		Server:   ServerConfig{Addr: "127.0.0.1:8321"},
		Worker: WorkerConfig{
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			RetryScanInterval: 15 * time.Second,
		},
	}
}

// Load reads configuration from path. A missing file yields defaults, not an
// error; a present but malformed file is an error. Pass "" to use the
// PRISM_CONFIG environment variable or the default prism.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PRISM_CONFIG")
	}
	if path == "" {
		path = "prism.yaml"
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = d.Worker.PollInterval
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = d.Worker.HeartbeatInterval
	}
	if c.Worker.RetryScanInterval <= 0 {
		c.Worker.RetryScanInterval = d.Worker.RetryScanInterval
	}
}

func (c *Config) applyEnv() {
	if c.Server.Token == "" {
		c.Server.Token = os.Getenv("PRISM_API_TOKEN")
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}
