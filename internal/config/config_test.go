package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "custody.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "custody.db", cfg.StorePath)
	assert.Equal(t, "migrations", cfg.MigrationsDir)
	assert.Equal(t, "backups", cfg.BackupsDir)
	assert.Equal(t, "warn", cfg.DriftPolicy)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout())
	assert.Equal(t, 64*1024, cfg.Audit.MaxDetailsBytes)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store_path: /var/lib/custody/custody.db
drift_policy: fail
audit:
  lock_timeout_ms: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/custody/custody.db", cfg.StorePath)
	assert.Equal(t, "fail", cfg.DriftPolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout())

	// Untouched fields keep their defaults.
	assert.Equal(t, "migrations", cfg.MigrationsDir)
	assert.Equal(t, 64*1024, cfg.Audit.MaxDetailsBytes)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "store_path: [unclosed")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty store path", `store_path: ""`},
		{"unknown drift policy", "drift_policy: maybe"},
		{"non-positive lock timeout", "audit:\n  lock_timeout_ms: 0\n  max_details_bytes: 1024"},
		{"non-positive details cap", "audit:\n  lock_timeout_ms: 1000\n  max_details_bytes: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}
