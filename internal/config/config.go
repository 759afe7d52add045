// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the sync engine
type Config struct {
	Workspace string        `koanf:"workspace"`
	Storage   StorageConfig `koanf:"storage"`
	Sync      SyncConfig    `koanf:"sync"`
	HTTP      HTTPConfig    `koanf:"http"`
	Notify    NotifyConfig  `koanf:"notify"`
	Logging   LoggingConfig `koanf:"logging"`
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // Base data directory
	DatabasePath string `koanf:"database_path"` // SQLite metadata database path
	MailDir      string `koanf:"mail_dir"`      // File-backed local mail store root
	KeyringDir   string `koanf:"keyring_dir"`   // File-backend keyring directory
}

// SyncConfig holds synchronization tuning
type SyncConfig struct {
	FetchLimit   int    `koanf:"fetch_limit"`   // Most-recent messages considered per run
	CloseTimeout string `koanf:"close_timeout"` // Transport teardown timeout (e.g. "5s")
	VerifyDKIM   bool   `koanf:"verify_dkim"`   // Verify DKIM on messages stored with raw content
}

// HTTPConfig holds the attachment endpoint configuration
type HTTPConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Listen        string `koanf:"listen"`          // Listen address (default 127.0.0.1:8080)
	BasicAuthUser string `koanf:"basic_auth_user"` // Basic auth username
	BasicAuthHash string `koanf:"basic_auth_hash"` // bcrypt hash of the password
}

// NotifyConfig holds the optional Redis event bridge configuration
type NotifyConfig struct {
	RedisURL string `koanf:"redis_url"` // Redis connection URL; empty disables the bridge
	Channel  string `koanf:"channel"`   // Publish channel
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workspace: "default",
		Storage: StorageConfig{
			DataDir:      "/var/lib/mailsync",
			DatabasePath: "/var/lib/mailsync/mailsync.db",
			MailDir:      "/var/lib/mailsync/mail",
			KeyringDir:   "/var/lib/mailsync/keyring",
		},
		Sync: SyncConfig{
			FetchLimit:   50,
			CloseTimeout: "5s",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Notify: NotifyConfig{
			Channel: "mailsync.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.MailDir == "" {
		return fmt.Errorf("storage.mail_dir is required")
	}

	if c.Sync.FetchLimit < 1 {
		return fmt.Errorf("sync.fetch_limit must be at least 1 (got: %d)", c.Sync.FetchLimit)
	}
	if c.Sync.FetchLimit > 1000 {
		return fmt.Errorf("sync.fetch_limit cannot exceed 1000 (got: %d)", c.Sync.FetchLimit)
	}
	if c.Sync.CloseTimeout != "" {
		d, err := time.ParseDuration(c.Sync.CloseTimeout)
		if err != nil {
			return fmt.Errorf("sync.close_timeout is not a valid duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("sync.close_timeout must be positive (got: %s)", c.Sync.CloseTimeout)
		}
	}

	if c.HTTP.Enabled {
		if c.HTTP.Listen == "" {
			return fmt.Errorf("http.listen is required when http is enabled")
		}
		if (c.HTTP.BasicAuthUser == "") != (c.HTTP.BasicAuthHash == "") {
			return fmt.Errorf("http.basic_auth_user and http.basic_auth_hash must be set together")
		}
	}

	if c.Notify.RedisURL != "" && c.Notify.Channel == "" {
		return fmt.Errorf("notify.channel is required when notify.redis_url is set")
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// CloseTimeout returns the parsed transport teardown timeout.
func (c *Config) CloseTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sync.CloseTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.MailDir,
		filepath.Dir(c.Storage.DatabasePath),
	}

	if c.Storage.KeyringDir != "" {
		dirs = append(dirs, c.Storage.KeyringDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
