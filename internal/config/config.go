package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Stats    StatsConfig    `yaml:"stats"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains sync protocol tuning.
type SyncConfig struct {
	// PageSize bounds one pull page so a call completes within standard
	// request timeouts.
	PageSize int `yaml:"page_size"`
	// MinSchemaVersion is the oldest client database schema the server
	// still accepts.
	MinSchemaVersion int `yaml:"min_schema_version"`
}

// StatsConfig contains statistics side-channel settings.
type StatsConfig struct {
	RecomputeInterval Duration `yaml:"recompute_interval"`
}

// SnapshotConfig contains snapshot worker settings.
type SnapshotConfig struct {
	Interval Duration              `yaml:"interval"`
	Storage  SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig contains S3-compatible upload settings.
// An empty bucket disables uploads entirely.
type SnapshotStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Sync: SyncConfig{
			PageSize:         50,
			MinSchemaVersion: 1,
		},
		Stats: StatsConfig{
			RecomputeInterval: Duration(1 * time.Hour),
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(6 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FIELDSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Sync
	if v := os.Getenv("FIELDSYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("FIELDSYNC_MIN_SCHEMA_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MinSchemaVersion = n
		}
	}

	// Stats
	if v := os.Getenv("FIELDSYNC_STATS_RECOMPUTE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stats.RecomputeInterval = Duration(d)
		}
	}

	// Snapshot
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Storage.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Storage.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.Storage.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.Storage.SecretKey = v
	}
	if v := os.Getenv("FIELDSYNC_SNAPSHOT_REGION"); v != "" {
		cfg.Snapshot.Storage.Region = v
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are coherent.
func (c *Config) validate() error {
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be >= 1, got %d", c.Sync.PageSize)
	}
	if c.Sync.MinSchemaVersion < 1 {
		return fmt.Errorf("sync.min_schema_version must be >= 1, got %d", c.Sync.MinSchemaVersion)
	}
	if c.Snapshot.Storage.Bucket != "" && c.Snapshot.Storage.Endpoint == "" {
		return fmt.Errorf("snapshot.storage.endpoint is required when a bucket is configured")
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
