package session

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/quillsync/quillsync/internal/core/connection"
	"github.com/quillsync/quillsync/internal/core/presence"
)

// Config is the full engine configuration for one document session.
type Config struct {
	AutoSaveInterval time.Duration
	Connection       connection.Config
	Presence         presence.Config
}

// DefaultConfig returns the standard engine policy.
func DefaultConfig() Config {
	return Config{
		AutoSaveInterval: 30 * time.Second,
		Connection:       connection.DefaultConfig(),
		Presence:         presence.DefaultConfig(),
	}
}

// fileConfig is the YAML shape; durations are milliseconds. Zero values
// keep the defaults.
type fileConfig struct {
	AutoSaveIntervalMs     int `yaml:"autoSaveIntervalMs"`
	MaxReconnectAttempts   int `yaml:"maxReconnectAttempts"`
	BackoffBaseMs          int `yaml:"backoffBaseMs"`
	BackoffMaxMs           int `yaml:"backoffMaxMs"`
	SyncConfirmTimeoutMs   int `yaml:"syncConfirmTimeoutMs"`
	LongOfflineThresholdMs int `yaml:"longOfflineThresholdMs"`
	InactiveTimeoutMs      int `yaml:"inactiveTimeoutMs"`
	HeartbeatIntervalMs    int `yaml:"heartbeatIntervalMs"`
	PresencePollIntervalMs int `yaml:"presencePollIntervalMs"`
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	var fc fileConfig
	if err = yaml.Unmarshal(data, &fc); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}

	overlayMs(&cfg.AutoSaveInterval, fc.AutoSaveIntervalMs)
	if fc.MaxReconnectAttempts > 0 {
		cfg.Connection.MaxReconnectAttempts = fc.MaxReconnectAttempts
	}
	overlayMs(&cfg.Connection.BackoffBase, fc.BackoffBaseMs)
	overlayMs(&cfg.Connection.BackoffMax, fc.BackoffMaxMs)
	overlayMs(&cfg.Connection.SyncConfirmTimeout, fc.SyncConfirmTimeoutMs)
	overlayMs(&cfg.Connection.LongOfflineThreshold, fc.LongOfflineThresholdMs)
	overlayMs(&cfg.Presence.InactiveTimeout, fc.InactiveTimeoutMs)
	overlayMs(&cfg.Presence.HeartbeatInterval, fc.HeartbeatIntervalMs)
	overlayMs(&cfg.Presence.PollInterval, fc.PresencePollIntervalMs)

	return cfg, nil
}

func overlayMs(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
