// Package config provides configuration management for workstate.
// It loads settings from environment variables with the WORKSTATE_ prefix
// and provides sensible defaults for all configuration options.
//
// A YAML or TOML file can be layered over the environment with LoadFile.
// Backup settings changed at runtime are persisted in the key-value domain
// of the database: LoadFromStore reads them back, SaveToStore writes them.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/workstate/internal/storage"
)

// Keys under which backup overrides are stored in the key-value domain.
const (
	KeyBackupInterval = "config.backup.interval"
	KeyBackupEnabled  = "config.backup.enabled"
)

// Config holds all configuration settings for workstate.
type Config struct {
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Backup  BackupConfig  `yaml:"backup" toml:"backup"`
}

// StorageConfig contains database location and connection settings.
type StorageConfig struct {
	DataDir     string        `yaml:"data_dir" toml:"data_dir"`         // Root of the data directory (default: ./data)
	Channel     string        `yaml:"channel" toml:"channel"`           // Release channel (default: stable)
	InMemory    bool          `yaml:"in_memory" toml:"in_memory"`       // Skip the file database entirely (default: false)
	ReadConns   int           `yaml:"read_conns" toml:"read_conns"`     // Reader pool size (default: 4)
	BusyTimeout time.Duration `yaml:"busy_timeout" toml:"busy_timeout"` // Lock wait (default: 5s)
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`                     // Enable scheduled backups (default: false)
	Interval         time.Duration `yaml:"interval" toml:"interval"`                   // Backup interval (default: 24h)
	Dir              string        `yaml:"dir" toml:"dir"`                             // Backup directory (default: ./backups)
	Verify           bool          `yaml:"verify" toml:"verify"`                       // Verify backups after creation (default: true)
	RetentionHourly  int           `yaml:"retention_hourly" toml:"retention_hourly"`   // default: 24
	RetentionDaily   int           `yaml:"retention_daily" toml:"retention_daily"`     // default: 7
	RetentionWeekly  int           `yaml:"retention_weekly" toml:"retention_weekly"`   // default: 4
	RetentionMonthly int           `yaml:"retention_monthly" toml:"retention_monthly"` // default: 12
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := buildBaseConfig()
	return cfg, cfg.Validate()
}

// LoadFile loads the environment baseline and decodes the file at path over
// it. The format is chosen by extension: .yaml, .yml or .toml. Keys absent
// from the file keep their baseline value.
func LoadFile(path string) (*Config, error) {
	cfg := buildBaseConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: %w: unsupported config file extension %q", storage.ErrInvalidInput, filepath.Ext(path))
	}

	return cfg, cfg.Validate()
}

// Validate checks values that would make the database unusable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Channel) == "" {
		return fmt.Errorf("config: %w: storage channel is required", storage.ErrInvalidInput)
	}
	if c.Storage.ReadConns < 1 {
		return fmt.Errorf("config: %w: read_conns must be at least 1", storage.ErrInvalidInput)
	}
	if c.Backup.Interval <= 0 {
		return fmt.Errorf("config: %w: backup interval must be positive", storage.ErrInvalidInput)
	}
	return nil
}

// LoadFromStore applies the backup overrides stored in kv to cfg. Stored
// values take precedence over the environment and config file; keys that
// were never saved leave cfg unchanged.
func LoadFromStore(ctx context.Context, cfg *Config, kv storage.KeyValueStore) error {
	if kv == nil {
		return errors.New("config: key-value store is required")
	}

	interval, err := kv.Read(ctx, KeyBackupInterval)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("config: failed to load %s: %w", KeyBackupInterval, err)
	default:
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("config: %w: stored %s %q", storage.ErrInvalidInput, KeyBackupInterval, interval)
		}
		cfg.Backup.Interval = d
	}

	enabled, err := kv.Read(ctx, KeyBackupEnabled)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("config: failed to load %s: %w", KeyBackupEnabled, err)
	default:
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("config: %w: stored %s %q", storage.ErrInvalidInput, KeyBackupEnabled, enabled)
		}
		cfg.Backup.Enabled = b
	}

	return nil
}

// SaveToStore persists the backup overrides of c to kv.
func (c *Config) SaveToStore(ctx context.Context, kv storage.KeyValueStore) error {
	if kv == nil {
		return errors.New("config: key-value store is required")
	}
	if err := kv.Write(ctx, KeyBackupInterval, c.Backup.Interval.String()); err != nil {
		return fmt.Errorf("config: failed to save %s: %w", KeyBackupInterval, err)
	}
	if err := kv.Write(ctx, KeyBackupEnabled, strconv.FormatBool(c.Backup.Enabled)); err != nil {
		return fmt.Errorf("config: failed to save %s: %w", KeyBackupEnabled, err)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:     getEnv("WORKSTATE_DATA_DIR", "./data"),
			Channel:     getEnv("WORKSTATE_CHANNEL", "stable"),
			InMemory:    getEnvBool("WORKSTATE_IN_MEMORY", false),
			ReadConns:   getEnvInt("WORKSTATE_READ_CONNS", 4),
			BusyTimeout: getEnvDuration("WORKSTATE_BUSY_TIMEOUT", 5*time.Second),
		},
		Backup: BackupConfig{
			Enabled:          getEnvBool("WORKSTATE_BACKUP_ENABLED", false),
			Interval:         getEnvDuration("WORKSTATE_BACKUP_INTERVAL", 24*time.Hour),
			Dir:              getEnv("WORKSTATE_BACKUP_DIR", "./backups"),
			Verify:           getEnvBool("WORKSTATE_BACKUP_VERIFY", true),
			RetentionHourly:  getEnvInt("WORKSTATE_BACKUP_RETENTION_HOURLY", 24),
			RetentionDaily:   getEnvInt("WORKSTATE_BACKUP_RETENTION_DAILY", 7),
			RetentionWeekly:  getEnvInt("WORKSTATE_BACKUP_RETENTION_WEEKLY", 4),
			RetentionMonthly: getEnvInt("WORKSTATE_BACKUP_RETENTION_MONTHLY", 12),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool recognizes "true", "1", "yes" as true and "false", "0", "no" as
// false (case-insensitive). Anything else falls back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}

// getEnvDuration parses values such as "90s" or "24h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
