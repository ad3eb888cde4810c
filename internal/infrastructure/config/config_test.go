package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(`
[app]
portfolios = [" main ", "ira", "main", ""]

[store]
base_url = "http://127.0.0.1:8080/"

[storage.sqlite]
enabled = true
`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := cfg.App.Portfolios; len(got) != 2 || got[0] != "main" || got[1] != "ira" {
		t.Errorf("portfolios not normalised: %v", got)
	}
	if cfg.StaleTime() != 30*time.Second {
		t.Errorf("stale time = %v, want 30s", cfg.StaleTime())
	}
	if cfg.GCTime() != 5*time.Minute {
		t.Errorf("gc time = %v, want 5m", cfg.GCTime())
	}
	if cfg.Debounce() != 100*time.Millisecond {
		t.Errorf("debounce = %v, want 100ms", cfg.Debounce())
	}
	if cfg.Sync.MaxRetries != 5 || cfg.RetryInitial() != time.Second || cfg.RetryMax() != 30*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.ProbeURL != "http://127.0.0.1:8080/healthz" {
		t.Errorf("probe url = %q", cfg.Sync.ProbeURL)
	}
	if !cfg.ClientEnabled() {
		t.Error("client should be enabled when base_url is set")
	}
	if cfg.Server.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Server.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"sqlite queue disabled", `[sync]
queue = "sqlite"`},
		{"unknown queue", `[sync]
queue = "kafka"`},
		{"redis push without redis", `[sync]
queue = "memory"
[push.redis]
enabled = true`},
		{"websocket without url", `[sync]
queue = "memory"
[push.websocket]
enabled = true`},
		{"postgres backend without dsn", `[sync]
queue = "memory"
[server]
backend = "postgres"`},
		{"bad log level", `[app]
log_level = "loud"
[sync]
queue = "memory"`},
		{"retry max below initial", `[sync]
queue = "memory"
retry_initial_ms = 5000
retry_max_ms = 1000`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[sync]
queue = "memory"

[server]
addr = ":9090"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.ClientEnabled() {
		t.Error("client should be disabled without base_url")
	}
}
