// Package config loads runtime configuration for the notesync daemon and CLI.
//
// Values come from, in increasing precedence: built-in defaults, a
// notesync.yaml config file, NOTESYNC_* environment variables, and CLI
// flags bound by the command layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings.
type Config struct {
	// OwnerID identifies the account this device syncs for.
	OwnerID string `mapstructure:"owner_id"`

	// DeviceID distinguishes this device in logs and diagnostics.
	DeviceID string `mapstructure:"device_id"`

	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path"`

	// CacheDir holds downloaded attachment bytes, keyed by content hash.
	CacheDir string `mapstructure:"cache_dir"`

	// SpoolDir is watched for staged attachment files.
	SpoolDir string `mapstructure:"spool_dir"`

	// RemoteURL is the sync server base URL. Empty disables network sync.
	RemoteURL string `mapstructure:"remote_url"`

	// RemoteToken is the bearer token for the sync server.
	RemoteToken string `mapstructure:"remote_token"`

	// SyncInterval is the periodic sync cadence.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// BatchSize bounds how many Change Log entries go in one push.
	BatchSize int `mapstructure:"batch_size"`

	// UploadWorkers bounds concurrent attachment transfers.
	UploadWorkers int `mapstructure:"upload_workers"`

	// RetentionDays is how long the recycle bin keeps deleted notes.
	RetentionDays int `mapstructure:"retention_days"`

	// MonitorPort serves the WebSocket monitor (0 disables it).
	MonitorPort int `mapstructure:"monitor_port"`

	// LogFile receives daemon logs with rotation. Empty logs to stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from file, environment, and defaults.
//
// The config file is optional; a missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()

	dataDir := defaultDataDir()
	v.SetDefault("owner_id", "")
	v.SetDefault("device_id", hostnameOr("device"))
	v.SetDefault("db_path", filepath.Join(dataDir, "notesync.db"))
	v.SetDefault("cache_dir", filepath.Join(dataDir, "attachments"))
	v.SetDefault("spool_dir", filepath.Join(dataDir, "spool"))
	v.SetDefault("remote_url", "")
	v.SetDefault("remote_token", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("batch_size", 50)
	v.SetDefault("upload_workers", 3)
	v.SetDefault("retention_days", 30)
	v.SetDefault("monitor_port", 0)
	v.SetDefault("log_file", "")

	v.SetConfigName("notesync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(dataDir)
	v.AddConfigPath("$HOME/.config/notesync")

	v.SetEnvPrefix("NOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would fail later in confusing ways.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync_interval %s is too short (minimum 1s)", c.SyncInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.UploadWorkers <= 0 {
		return fmt.Errorf("upload_workers must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.RemoteURL != "" && c.RemoteToken == "" {
		return fmt.Errorf("remote_token is required when remote_url is set")
	}
	return nil
}

// Retention converts the configured retention days to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Online reports whether a remote is configured.
func (c *Config) Online() bool {
	return c.RemoteURL != ""
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "notesync")
	}
	return ".notesync"
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}
