// Package config loads the settings of the eventual CLI and devserver.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Remote    RemoteConfig    `yaml:"remote"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// AppConfig identifies the application whose queue is managed.
type AppConfig struct {
	ID string `yaml:"id"`
}

// RemoteConfig locates the remote object store.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// StorageConfig selects the durable storage backend of the offline queue.
type StorageConfig struct {
	Driver string   `yaml:"driver"`
	Path   string   `yaml:"path"`
	S3     S3Config `yaml:"s3"`
}

// S3Config contains S3-compatible object storage settings.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	// MetricsPort serves Prometheus metrics while polling. Zero disables it.
	MetricsPort  int      `yaml:"metrics_port"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DevServerConfig contains settings of the reference object store.
type DevServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// The file is EVENTUAL_CONFIG_PATH, or config/eventual.yaml; a missing
// file is not an error.
func Load() (*Config, error) {
	return load(getEnv("EVENTUAL_CONFIG_PATH", "config/eventual.yaml"), false)
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, required bool) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err) && !required:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		App: AppConfig{
			ID: "default",
		},
		Remote: RemoteConfig{
			URL:     "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "data/eventual.db",
		},
		Queue: QueueConfig{
			PollInterval: Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DevServer: DevServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVENTUAL_APP_ID"); v != "" {
		cfg.App.ID = v
	}

	// Remote
	if v := os.Getenv("EVENTUAL_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("EVENTUAL_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("EVENTUAL_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Storage
	if v := os.Getenv("EVENTUAL_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("EVENTUAL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("EVENTUAL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("EVENTUAL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("EVENTUAL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("EVENTUAL_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}
	if v := os.Getenv("EVENTUAL_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3.UseSSL = &b
		}
	}
	if v := os.Getenv("EVENTUAL_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("EVENTUAL_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3.SecretKey = v
	}

	// Queue
	if v := os.Getenv("EVENTUAL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.PollInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("EVENTUAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EVENTUAL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Devserver
	if v := os.Getenv("EVENTUAL_DEVSERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DevServer.Port = port
		}
	}
	if v := os.Getenv("EVENTUAL_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MetricsPort = port
		}
	}
	if v := os.Getenv("EVENTUAL_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DevServer.ShutdownTimeout = Duration(d)
		}
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPebble:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case DriverS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}
	if c.Queue.MetricsPort < 0 || c.Queue.MetricsPort > 65535 {
		return fmt.Errorf("queue.metrics_port %d is out of range", c.Queue.MetricsPort)
	}
	if c.DevServer.Port <= 0 || c.DevServer.Port > 65535 {
		return fmt.Errorf("devserver.port %d is out of range", c.DevServer.Port)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
