// Package config loads and validates the bridge configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultMaxSlots      = 254
	DefaultSettleDelayMs = 300
	DefaultStoragePath   = "lock_slots.json"
)

// Config represents the config.yaml structure
type Config struct {
	// LockEntity is the ZHA lock the bridge programs. Optional: when empty
	// it is discovered at startup from the lock entities Home Assistant
	// reports, provided exactly one exists.
	LockEntity string `yaml:"lock_entity"`

	// MaxSlots is the highest usable code slot on the lock.
	MaxSlots int `yaml:"max_slots"`

	// SettleDelayMs is the pause before each code write. Some lock radios
	// drop writes that arrive back to back.
	SettleDelayMs int `yaml:"settle_delay_ms"`

	// StoragePath is where the name-to-slot ledger is persisted.
	StoragePath string `yaml:"storage_path"`

	// NotifyOnClearFailure controls whether a failed slot clear raises a
	// user-visible notification in addition to the log entry.
	NotifyOnClearFailure bool `yaml:"notify_on_clear_failure"`
}

// SettleDelay returns the configured pre-write delay as a duration
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		MaxSlots:      DefaultMaxSlots,
		SettleDelayMs: DefaultSettleDelayMs,
		StoragePath:   DefaultStoragePath,
	}
}

// Load reads the config file at path, applies defaults and validates the
// result. A missing file yields the defaults.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("No config file found, using defaults", zap.String("path", path))
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = DefaultMaxSlots
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = DefaultStoragePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded",
		zap.String("path", path),
		zap.String("lock_entity", cfg.LockEntity),
		zap.Int("max_slots", cfg.MaxSlots),
		zap.Int("settle_delay_ms", cfg.SettleDelayMs))

	return cfg, nil
}

// Validate checks the configuration for out-of-range or malformed values
func (c *Config) Validate() error {
	if c.MaxSlots < 1 || c.MaxSlots > 254 {
		return fmt.Errorf("max_slots must be between 1 and 254, got %d", c.MaxSlots)
	}
	if c.SettleDelayMs < 0 {
		return fmt.Errorf("settle_delay_ms must not be negative, got %d", c.SettleDelayMs)
	}
	if c.LockEntity != "" && !strings.HasPrefix(c.LockEntity, "lock.") {
		return fmt.Errorf("lock_entity must be in the lock domain, got %q", c.LockEntity)
	}
	return nil
}
