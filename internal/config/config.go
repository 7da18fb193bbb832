// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	automationerrors "github.com/tombee/automation/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon/worker configuration.
type Config struct {
	// Version indicates the config format version (1 = initial public release)
	Version int `yaml:"version,omitempty"`

	Log       LogConfig        `yaml:"log"`
	Worker    WorkerConfig     `yaml:"worker"`
	Queue     QueueConfig      `yaml:"queue"`
	Store     StoreConfig      `yaml:"store"`
	Vault     VaultConfig      `yaml:"vault"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Devices   DevicesConfig    `yaml:"devices"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Executors []ExecutorConfig `yaml:"executors,omitempty"`

	// path is the file Load read this config from, if any. Watch uses it
	// to know what to re-stat.
	path string
}

// Path returns the file this config was loaded from, or "" if it came
// entirely from defaults and environment variables.
func (c *Config) Path() string {
	return c.path
}

// TracingConfig configures the OpenTelemetry span exporter.
type TracingConfig struct {
	// Enabled turns on span export for the claim/spawn/reap path.
	// Environment: AUTOMATION_TRACING_ENABLED
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ServiceName and ServiceVersion populate exported span resources.
	// Default: automation-conductord / the build's version string
	ServiceName string `yaml:"service_name,omitempty"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	// Addr is the address the metrics HTTP server listens on.
	// Environment: AUTOMATION_METRICS_ADDR
	// Default: 127.0.0.1:9090
	Addr string `yaml:"addr,omitempty"`
}

// DevicesConfig configures how the Worker Runtime and Workflow Engine
// resolve device ids to IP/name pairs. The device inventory's storage
// and CRUD are out of scope for this core; this is only the read path.
type DevicesConfig struct {
	// Backend selects the device directory implementation: "sqlite"
	// (reads the devices table from Store.DSN) or "memory" (reads a
	// fixed YAML file named by File).
	// Default: sqlite
	Backend string `yaml:"backend"`

	// File is the YAML seed file for the memory backend.
	File string `yaml:"file,omitempty"`
}

// LogConfig holds the logging settings loaded from YAML and the
// environment. cmd/conductord does not apply it: the daemon's logger is
// built by internal/log.FromEnv, which reads the environment directly.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// WorkerConfig configures the worker runtime's concurrency and timeouts.
type WorkerConfig struct {
	// Slots is the maximum number of jobs executed concurrently.
	// Environment: AUTOMATION_WORKER_SLOTS
	// Default: 4
	Slots int `yaml:"slots"`

	// SubprocessTimeout bounds a single executor subprocess run.
	// Default: 500s
	SubprocessTimeout time.Duration `yaml:"subprocess_timeout,omitempty"`

	// SoftSlotTimeout is loaded and defaulted but not passed to the
	// worker runtime; nothing logs or acts on it.
	// Default: 540s
	SoftSlotTimeout time.Duration `yaml:"soft_slot_timeout,omitempty"`

	// HardSlotTimeout is loaded and defaulted but not passed to the
	// worker runtime; a subprocess is bounded by SubprocessTimeout only.
	// Default: 600s
	HardSlotTimeout time.Duration `yaml:"hard_slot_timeout,omitempty"`

	// ShutdownGrace is loaded and defaulted but not passed to the worker
	// runtime; Stop is bounded by DrainTimeout only.
	// Default: 5s
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`

	// DrainTimeout is the maximum duration to wait for active jobs to
	// complete during a graceful shutdown before forcing shutdown.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// CancelPollLines is how many lines of subprocess output the stream
	// loop reads between checks of the job's cancel_requested flag.
	// Default: 10
	CancelPollLines int `yaml:"cancel_poll_lines,omitempty"`

	// MaxLogBytes is loaded and defaulted but not read; the per-job log
	// cap is the redact.MaxLogBytes constant (100KB). Default: 100KB
	MaxLogBytes int `yaml:"max_log_bytes,omitempty"`

	// SSHUser is the ansible_user written into every generated inventory.
	// Default: automation
	SSHUser string `yaml:"ssh_user,omitempty"`

	// SSHHostKeyPolicy controls StrictHostKeyChecking for the generated
	// inventory's ansible_ssh_common_args. Default: accept-new
	SSHHostKeyPolicy string `yaml:"ssh_host_key_policy,omitempty"`

	// SSHIdentityFile, if set, is passed to ssh as -o IdentityFile=<path>
	// in ansible_ssh_common_args.
	SSHIdentityFile string `yaml:"ssh_identity_file,omitempty"`
}

// QueueConfig configures the task queue broker.
type QueueConfig struct {
	// Backend selects the queue implementation: "memory" or "redis".
	// Environment: AUTOMATION_QUEUE_BACKEND
	// Default: memory
	Backend string `yaml:"backend"`

	// Addr is the Redis broker address (e.g., "localhost:6379").
	// Environment: AUTOMATION_QUEUE_ADDR
	Addr string `yaml:"addr,omitempty"`

	// Namespace prefixes all queue keys, allowing multiple orchestrators
	// to share one Redis instance.
	// Default: "automation"
	Namespace string `yaml:"namespace,omitempty"`

	// MaxAttempts is loaded and defaulted but not read; the worker uses
	// the queue.MaxAttempts constant (3). A job whose attempts are used
	// up is left FAILED; there is no dead-letter list.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BackoffCap is loaded and defaulted but not read; the retry delay is
	// capped by the queue.MaxBackoff constant (300s).
	// Default: 300s
	BackoffCap time.Duration `yaml:"backoff_cap,omitempty"`
}

// StoreConfig configures the job store backend.
type StoreConfig struct {
	// Backend selects the job store implementation: "memory" or "sqlite".
	// Environment: AUTOMATION_STORE_BACKEND
	// Default: sqlite
	Backend string `yaml:"backend"`

	// DSN is the backend-specific data source, e.g. a sqlite file path.
	// Environment: AUTOMATION_STORE_DSN
	DSN string `yaml:"dsn,omitempty"`
}

// VaultConfig configures the encrypted credential vault.
type VaultConfig struct {
	// KeySource selects where the master encryption key comes from:
	// "env", "keychain", or "file".
	// Environment: AUTOMATION_VAULT_KEY_SOURCE
	// Default: env
	KeySource string `yaml:"key_source"`

	// KeyFile is the path to read the master key from when KeySource is "file".
	KeyFile string `yaml:"key_file,omitempty"`

	// KeychainService is the OS keychain service name to query when
	// KeySource is "keychain".
	KeychainService string `yaml:"keychain_service,omitempty"`
}

// ExecutorConfig configures a single executor plugin's action directory.
type ExecutorConfig struct {
	// Type is the executor plugin name (e.g., "ansible", "shell").
	Type string `yaml:"type"`

	// ActionsDir is the root directory the plugin resolves action names
	// against. All paths it returns must resolve underneath this directory.
	ActionsDir string `yaml:"actions_dir"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			Slots:             4,
			SubprocessTimeout: 500 * time.Second,
			SoftSlotTimeout:   540 * time.Second,
			HardSlotTimeout:   600 * time.Second,
			ShutdownGrace:     5 * time.Second,
			DrainTimeout:      30 * time.Second,
			CancelPollLines:   10,
			MaxLogBytes:       100 * 1024,
			SSHUser:           "automation",
			SSHHostKeyPolicy:  "accept-new",
		},
		Queue: QueueConfig{
			Backend:     "memory",
			Namespace:   "automation",
			MaxAttempts: 3,
			BackoffCap:  300 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DSN:     "automation.db",
		},
		Vault: VaultConfig{
			KeySource: "env",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
		Devices: DevicesConfig{
			Backend: "sqlite",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "automation-conductord",
		},
	}
}

// Load loads configuration from environment variables and optionally from a
// YAML file. Environment variables take precedence over file-based values.
// If configPath is empty, the file at ConfigPath() is loaded when it exists;
// otherwise only environment variables are applied on top of the default
// config.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &automationerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
		cfg.path = configPath
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &automationerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults, so a minimal
// config file (e.g. just overriding Queue.Addr) still produces a usable Config.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Worker.Slots == 0 {
		c.Worker.Slots = defaults.Worker.Slots
	}
	if c.Worker.SubprocessTimeout == 0 {
		c.Worker.SubprocessTimeout = defaults.Worker.SubprocessTimeout
	}
	if c.Worker.SoftSlotTimeout == 0 {
		c.Worker.SoftSlotTimeout = defaults.Worker.SoftSlotTimeout
	}
	if c.Worker.HardSlotTimeout == 0 {
		c.Worker.HardSlotTimeout = defaults.Worker.HardSlotTimeout
	}
	if c.Worker.ShutdownGrace == 0 {
		c.Worker.ShutdownGrace = defaults.Worker.ShutdownGrace
	}
	if c.Worker.DrainTimeout == 0 {
		c.Worker.DrainTimeout = defaults.Worker.DrainTimeout
	}
	if c.Worker.CancelPollLines == 0 {
		c.Worker.CancelPollLines = defaults.Worker.CancelPollLines
	}
	if c.Worker.MaxLogBytes == 0 {
		c.Worker.MaxLogBytes = defaults.Worker.MaxLogBytes
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaults.Queue.Backend
	}
	if c.Queue.Namespace == "" {
		c.Queue.Namespace = defaults.Queue.Namespace
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if c.Queue.BackoffCap == 0 {
		c.Queue.BackoffCap = defaults.Queue.BackoffCap
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.DSN == "" {
		c.Store.DSN = defaults.Store.DSN
	}
	if c.Vault.KeySource == "" {
		c.Vault.KeySource = defaults.Vault.KeySource
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.Devices.Backend == "" {
		c.Devices.Backend = defaults.Devices.Backend
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
}

// loadFromFile loads configuration from a YAML file, merging onto the
// receiver (which already holds Default()'s values).
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv overrides fields from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("AUTOMATION_WORKER_SLOTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Slots = n
		}
	}

	if val := os.Getenv("AUTOMATION_QUEUE_BACKEND"); val != "" {
		c.Queue.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("AUTOMATION_QUEUE_ADDR"); val != "" {
		c.Queue.Addr = val
	}

	if val := os.Getenv("AUTOMATION_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("AUTOMATION_STORE_DSN"); val != "" {
		c.Store.DSN = val
	}

	if val := os.Getenv("AUTOMATION_VAULT_KEY_SOURCE"); val != "" {
		c.Vault.KeySource = strings.ToLower(val)
	}
	if val := os.Getenv("AUTOMATION_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("AUTOMATION_DEVICES_BACKEND"); val != "" {
		c.Devices.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("AUTOMATION_DEVICES_FILE"); val != "" {
		c.Devices.File = val
	}
	if val := os.Getenv("AUTOMATION_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	// The master key material itself is never stored on Config; when
	// Vault.KeySource is "env" the vault package reads
	// AUTOMATION_VAULT_ENCRYPTION_KEY directly at cipher construction time.
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return &automationerrors.ValidationError{
			Field:   "queue.backend",
			Message: fmt.Sprintf("unsupported queue backend %q", c.Queue.Backend),
		}
	}
	if c.Queue.Backend == "redis" && c.Queue.Addr == "" {
		return &automationerrors.ValidationError{
			Field:      "queue.addr",
			Message:    "queue.addr is required when queue.backend is redis",
			Suggestion: "set queue.addr or AUTOMATION_QUEUE_ADDR",
		}
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return &automationerrors.ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("unsupported store backend %q", c.Store.Backend),
		}
	}

	switch c.Vault.KeySource {
	case "env", "keychain", "file":
	default:
		return &automationerrors.ValidationError{
			Field:   "vault.key_source",
			Message: fmt.Sprintf("unsupported vault key source %q", c.Vault.KeySource),
		}
	}
	if c.Vault.KeySource == "file" && c.Vault.KeyFile == "" {
		return &automationerrors.ValidationError{
			Field:   "vault.key_file",
			Message: "vault.key_file is required when vault.key_source is file",
		}
	}

	switch c.Devices.Backend {
	case "sqlite", "memory":
	default:
		return &automationerrors.ValidationError{
			Field:   "devices.backend",
			Message: fmt.Sprintf("unsupported devices backend %q", c.Devices.Backend),
		}
	}
	if c.Devices.Backend == "memory" && c.Devices.File == "" {
		return &automationerrors.ValidationError{
			Field:   "devices.file",
			Message: "devices.file is required when devices.backend is memory",
		}
	}

	if c.Worker.Slots <= 0 {
		return &automationerrors.ValidationError{
			Field:   "worker.slots",
			Message: "worker.slots must be positive",
		}
	}

	seen := make(map[string]bool, len(c.Executors))
	for _, e := range c.Executors {
		if e.Type == "" {
			return &automationerrors.ValidationError{
				Field:   "executors[].type",
				Message: "executor type must not be empty",
			}
		}
		if seen[e.Type] {
			return &automationerrors.ValidationError{
				Field:   "executors[].type",
				Message: fmt.Sprintf("duplicate executor type %q", e.Type),
			}
		}
		seen[e.Type] = true
	}

	return nil
}
