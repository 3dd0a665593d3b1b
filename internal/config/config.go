// Package config loads the process configuration for the persistence
// core. One flat YAML file; every field has a working default so a
// missing file is not an error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	// StorePath locates the SQLite store file.
	StorePath string `yaml:"store_path"`

	// MigrationsDir holds the *.sql migration units.
	MigrationsDir string `yaml:"migrations_dir"`

	// BackupsDir holds store snapshots.
	BackupsDir string `yaml:"backups_dir"`

	// AppliedBy is recorded on migration records. Defaults to $USER.
	AppliedBy string `yaml:"applied_by"`

	// DriftPolicy is "warn" (default) or "fail".
	DriftPolicy string `yaml:"drift_policy"`

	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig bounds the audit write path.
type AuditConfig struct {
	// LockTimeoutMs bounds chain lock acquisition before degrading to
	// the fallback sink.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`

	// MaxDetailsBytes caps the canonical size of an event's details.
	MaxDetailsBytes int `yaml:"max_details_bytes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StorePath:     "custody.db",
		MigrationsDir: "migrations",
		BackupsDir:    "backups",
		AppliedBy:     os.Getenv("USER"),
		DriftPolicy:   "warn",
		Audit: AuditConfig{
			LockTimeoutMs:   2000,
			MaxDetailsBytes: 64 * 1024,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	if c.DriftPolicy != "warn" && c.DriftPolicy != "fail" {
		return fmt.Errorf("drift_policy must be \"warn\" or \"fail\", got %q", c.DriftPolicy)
	}
	if c.Audit.LockTimeoutMs <= 0 {
		return fmt.Errorf("audit.lock_timeout_ms must be positive")
	}
	if c.Audit.MaxDetailsBytes <= 0 {
		return fmt.Errorf("audit.max_details_bytes must be positive")
	}
	return nil
}

// LockTimeout returns the audit lock timeout as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Audit.LockTimeoutMs) * time.Millisecond
}
