package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"EVENTUAL_CONFIG_PATH",
		"EVENTUAL_APP_ID",
		"EVENTUAL_REMOTE_URL",
		"EVENTUAL_API_KEY",
		"EVENTUAL_REMOTE_TIMEOUT",
		"EVENTUAL_STORAGE_DRIVER",
		"EVENTUAL_STORAGE_PATH",
		"EVENTUAL_S3_ENDPOINT",
		"EVENTUAL_S3_BUCKET",
		"EVENTUAL_S3_REGION",
		"EVENTUAL_S3_PREFIX",
		"EVENTUAL_S3_USE_SSL",
		"EVENTUAL_S3_ACCESS_KEY",
		"EVENTUAL_S3_SECRET_KEY",
		"EVENTUAL_POLL_INTERVAL",
		"EVENTUAL_LOG_LEVEL",
		"EVENTUAL_LOG_FORMAT",
		"EVENTUAL_DEVSERVER_PORT",
		"EVENTUAL_METRICS_PORT",
		"EVENTUAL_SHUTDOWN_TIMEOUT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventual.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.ID != "default" {
		t.Errorf("App.ID = %q, want %q", cfg.App.ID, "default")
	}
	if cfg.Remote.URL != "http://localhost:8080" {
		t.Errorf("Remote.URL = %q", cfg.Remote.URL)
	}
	if dur(cfg.Remote.Timeout) != 30*time.Second {
		t.Errorf("Remote.Timeout = %v, want 30s", cfg.Remote.Timeout)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverSQLite)
	}
	if cfg.Storage.Path != "data/eventual.db" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "data/eventual.db")
	}
	if dur(cfg.Queue.PollInterval) != 2*time.Second {
		t.Errorf("Queue.PollInterval = %v, want 2s", cfg.Queue.PollInterval)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.DevServer.Port != 8080 {
		t.Errorf("DevServer.Port = %d, want 8080", cfg.DevServer.Port)
	}
	if dur(cfg.DevServer.ShutdownTimeout) != 15*time.Second {
		t.Errorf("DevServer.ShutdownTimeout = %v, want 15s", cfg.DevServer.ShutdownTimeout)
	}
	if cfg.Queue.MetricsPort != 0 {
		t.Errorf("Queue.MetricsPort = %d, want 0 (disabled)", cfg.Queue.MetricsPort)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENTUAL_APP_ID", "notes")
	t.Setenv("EVENTUAL_API_KEY", "secret")
	t.Setenv("EVENTUAL_STORAGE_DRIVER", "pebble")
	t.Setenv("EVENTUAL_STORAGE_PATH", "/var/lib/eventual")
	t.Setenv("EVENTUAL_POLL_INTERVAL", "500ms")
	t.Setenv("EVENTUAL_LOG_LEVEL", "debug")
	t.Setenv("EVENTUAL_DEVSERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.ID != "notes" {
		t.Errorf("App.ID = %q, want notes", cfg.App.ID)
	}
	if cfg.Remote.APIKey != "secret" {
		t.Errorf("Remote.APIKey = %q, want secret", cfg.Remote.APIKey)
	}
	if cfg.Storage.Driver != DriverPebble || cfg.Storage.Path != "/var/lib/eventual" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if dur(cfg.Queue.PollInterval) != 500*time.Millisecond {
		t.Errorf("Queue.PollInterval = %v, want 500ms", cfg.Queue.PollInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.DevServer.Port != 9090 {
		t.Errorf("DevServer.Port = %d, want 9090", cfg.DevServer.Port)
	}
}

// Test: Empty env var does NOT override (only non-empty values override)
func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENTUAL_DEVSERVER_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DevServer.Port != 8080 {
		t.Errorf("DevServer.Port = %d, want 8080 (default)", cfg.DevServer.Port)
	}
}

func TestLoad_MalformedEnvValueIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENTUAL_POLL_INTERVAL", "soon")
	t.Setenv("EVENTUAL_S3_USE_SSL", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if dur(cfg.Queue.PollInterval) != 2*time.Second {
		t.Errorf("Queue.PollInterval = %v, want default 2s", cfg.Queue.PollInterval)
	}
	if cfg.Storage.S3.UseSSL != nil {
		t.Errorf("Storage.S3.UseSSL = %v, want nil", *cfg.Storage.S3.UseSSL)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
app:
  id: tasks
remote:
  url: https://api.example.com
  timeout: 5s
storage:
  driver: s3
  s3:
    endpoint: localhost:9000
    bucket: queues
    prefix: devices/a
    use_ssl: false
queue:
  poll_interval: 1m30s
log:
  level: warn
  format: text
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.App.ID != "tasks" {
		t.Errorf("App.ID = %q, want tasks", cfg.App.ID)
	}
	if cfg.Remote.URL != "https://api.example.com" || dur(cfg.Remote.Timeout) != 5*time.Second {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	s3 := cfg.Storage.S3
	if cfg.Storage.Driver != DriverS3 || s3.Bucket != "queues" || s3.Endpoint != "localhost:9000" || s3.Prefix != "devices/a" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if s3.UseSSL == nil || *s3.UseSSL {
		t.Errorf("Storage.S3.UseSSL = %v, want explicit false", s3.UseSSL)
	}
	if dur(cfg.Queue.PollInterval) != 90*time.Second {
		t.Errorf("Queue.PollInterval = %v, want 1m30s", cfg.Queue.PollInterval)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
app:
  id: from-yaml
log:
  level: warn
`)
	t.Setenv("EVENTUAL_CONFIG_PATH", path)
	t.Setenv("EVENTUAL_APP_ID", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.ID != "from-env" {
		t.Errorf("App.ID = %q, want from-env (env override)", cfg.App.ID)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn (from YAML)", cfg.Log.Level)
	}
}

// Test: Secrets are env-only and never read from YAML
func TestLoadFromFile_SecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
remote:
  api_key: from-yaml
  apikey: from-yaml
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Remote.APIKey != "" {
		t.Errorf("Remote.APIKey = %q, want empty", cfg.Remote.APIKey)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
queue:
  poll_interval: [
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
queue:
  poll_interval: often
`)
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("LoadFromFile() error = %v, want invalid duration", err)
	}
}

func TestLoadFromFile_MissingFileIsAnError(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file, got nil")
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENTUAL_CONFIG_PATH", "/nonexistent/path/eventual.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want default", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory driver", func(c *Config) { c.Storage.Driver = DriverMemory; c.Storage.Path = "" }, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "unknown storage driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"pebble without path", func(c *Config) { c.Storage.Driver = DriverPebble; c.Storage.Path = "" }, "storage.path"},
		{"s3 without bucket", func(c *Config) { c.Storage.Driver = DriverS3 }, "storage.s3.bucket"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"zero poll interval", func(c *Config) { c.Queue.PollInterval = 0 }, "poll_interval"},
		{"negative timeout", func(c *Config) { c.Remote.Timeout = Duration(-time.Second) }, "remote.timeout"},
		{"negative metrics port", func(c *Config) { c.Queue.MetricsPort = -1 }, "queue.metrics_port"},
		{"port out of range", func(c *Config) { c.DevServer.Port = 70000 }, "devserver.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Interval Duration `yaml:"interval"`
	}{Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "interval: 1m30s" {
		t.Errorf("marshaled = %q, want %q", got, "interval: 1m30s")
	}
}
