package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.Worker.Slots != 4 {
		t.Errorf("expected default worker slots 4, got %d", cfg.Worker.Slots)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("expected default queue backend memory, got %q", cfg.Queue.Backend)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected default store backend sqlite, got %q", cfg.Store.Backend)
	}
	if cfg.Vault.KeySource != "env" {
		t.Errorf("expected default vault key source env, got %q", cfg.Vault.KeySource)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}
	if cfg.Tracing.ServiceName != "automation-conductord" {
		t.Errorf("expected default tracing service name automation-conductord, got %q", cfg.Tracing.ServiceName)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	contents := `
log:
  level: debug
  format: text
worker:
  slots: 8
queue:
  backend: redis
  addr: localhost:6379
store:
  backend: sqlite
  dsn: /var/lib/automation/jobs.db
vault:
  key_source: env
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Worker.Slots != 8 {
		t.Errorf("expected worker slots 8, got %d", cfg.Worker.Slots)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected queue backend redis, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Addr != "localhost:6379" {
		t.Errorf("expected queue addr localhost:6379, got %q", cfg.Queue.Addr)
	}
	// Fields not present in the file fall back to defaults.
	if cfg.Worker.SubprocessTimeout == 0 {
		t.Error("expected SubprocessTimeout to be filled in by applyDefaults")
	}
}

func TestLoad_MissingFileOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") should succeed with defaults, got: %v", err)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("expected fallback to default queue backend, got %q", cfg.Queue.Backend)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  slots: 2\n"), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("AUTOMATION_WORKER_SLOTS", "16")
	t.Setenv("AUTOMATION_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Worker.Slots != 16 {
		t.Errorf("expected env override to win, got slots=%d", cfg.Worker.Slots)
	}
	if !cfg.Tracing.Enabled {
		t.Error("expected AUTOMATION_TRACING_ENABLED=true to enable tracing")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown queue backend",
			mutate: func(c *Config) {
				c.Queue.Backend = "rabbitmq"
			},
			wantErr: true,
		},
		{
			name: "redis backend without addr",
			mutate: func(c *Config) {
				c.Queue.Backend = "redis"
				c.Queue.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "unknown store backend",
			mutate: func(c *Config) {
				c.Store.Backend = "postgres"
			},
			wantErr: true,
		},
		{
			name: "unknown vault key source",
			mutate: func(c *Config) {
				c.Vault.KeySource = "vault-server"
			},
			wantErr: true,
		},
		{
			name: "file key source requires key file",
			mutate: func(c *Config) {
				c.Vault.KeySource = "file"
				c.Vault.KeyFile = ""
			},
			wantErr: true,
		},
		{
			name: "zero worker slots",
			mutate: func(c *Config) {
				c.Worker.Slots = 0
			},
			wantErr: true,
		},
		{
			name: "duplicate executor type",
			mutate: func(c *Config) {
				c.Executors = []ExecutorConfig{
					{Type: "ansible", ActionsDir: "/a"},
					{Type: "ansible", ActionsDir: "/b"},
				}
			},
			wantErr: true,
		},
		{
			name: "unknown devices backend",
			mutate: func(c *Config) {
				c.Devices.Backend = "consul"
			},
			wantErr: true,
		},
		{
			name: "memory devices backend requires file",
			mutate: func(c *Config) {
				c.Devices.Backend = "memory"
				c.Devices.File = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no validation error, got: %v", err)
			}
		})
	}
}
