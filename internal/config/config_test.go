package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != ".prism/prism.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Worker.PollInterval)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.yaml")
	content := `
database:
  path: /var/lib/prism/prism.db
server:
  addr: 0.0.0.0:9000
  token: secret
worker:
  poll_interval: 500ms
anthropic:
  model: claude-3-5-haiku-20241022
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/prism/prism.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Server.Token != "secret" {
		t.Errorf("server config = %+v", cfg.Server)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Worker.PollInterval)
	}
	// Unset durations still get defaults.
	if cfg.Worker.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Anthropic.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("model = %q", cfg.Anthropic.Model)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.yaml")
	if err := os.WriteFile(path, []byte("database: ["), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config must fail, not silently default")
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("PRISM_API_TOKEN", "env-token")
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("token = %q, want env fallback", cfg.Server.Token)
	}
	if cfg.Anthropic.APIKey != "env-key" {
		t.Errorf("api key = %q, want env fallback", cfg.Anthropic.APIKey)
	}
}
