package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "", cfg.LockEntity)
	assert.Equal(t, DefaultMaxSlots, cfg.MaxSlots)
	assert.Equal(t, DefaultSettleDelayMs, cfg.SettleDelayMs)
	assert.Equal(t, DefaultStoragePath, cfg.StoragePath)
	assert.False(t, cfg.NotifyOnClearFailure)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
lock_entity: lock.front_door
max_slots: 30
settle_delay_ms: 500
storage_path: /data/slots.json
notify_on_clear_failure: true
`)

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "lock.front_door", cfg.LockEntity)
	assert.Equal(t, 30, cfg.MaxSlots)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay())
	assert.Equal(t, "/data/slots.json", cfg.StoragePath)
	assert.True(t, cfg.NotifyOnClearFailure)
}

func TestLoadAppliesDefaultsForOmittedValues(t *testing.T) {
	path := writeConfig(t, "lock_entity: lock.front_door\n")

	cfg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxSlots, cfg.MaxSlots)
	assert.Equal(t, DefaultStoragePath, cfg.StoragePath)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "lock_entity: [unterminated\n")

	_, err := Load(path, zap.NewNop())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"lock entity in lock domain", func(c *Config) { c.LockEntity = "lock.front_door" }, false},
		{"lock entity in wrong domain", func(c *Config) { c.LockEntity = "switch.front_door" }, true},
		{"max slots too small", func(c *Config) { c.MaxSlots = 0 }, true},
		{"max slots too large", func(c *Config) { c.MaxSlots = 255 }, true},
		{"single slot lock", func(c *Config) { c.MaxSlots = 1 }, false},
		{"negative settle delay", func(c *Config) { c.SettleDelayMs = -1 }, true},
		{"zero settle delay", func(c *Config) { c.SettleDelayMs = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
