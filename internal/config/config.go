package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/g6-reader/internal/ble/crypto"
	"github.com/chaz8081/g6-reader/internal/store"
)

// Config holds all application configuration.
type Config struct {
	TransmitterID        string        `yaml:"transmitter_id"`
	SleepBetweenReadings time.Duration `yaml:"sleep_between_readings"`
	SleepAfterError      time.Duration `yaml:"sleep_after_error"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	ScanTimeout          time.Duration `yaml:"scan_timeout"`
	BackfillIdleTimeout  time.Duration `yaml:"backfill_idle_timeout"`
	KeepAlive            uint8         `yaml:"keep_alive"` // seconds
	Store                StoreConfig   `yaml:"store"`
	LogLevel             string        `yaml:"log_level"`
}

// StoreConfig selects where readings are persisted between sessions.
type StoreConfig struct {
	CapacityBytes int         `yaml:"capacity_bytes"`
	Backend       string      `yaml:"backend"` // "file", "redis" or "memory"
	Path          string      `yaml:"path"`
	Redis         RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "g6-reader")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultStorePath returns where the file backend keeps its image.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "readings.bin"
	}
	return filepath.Join(home, ".local", "share", "g6-reader", "readings.bin")
}

// Default returns a Config with sensible default values. TransmitterID is
// left empty and must be configured.
func Default() *Config {
	return &Config{
		SleepBetweenReadings: 600 * time.Second,
		SleepAfterError:      30 * time.Second,
		SessionTimeout:       2 * time.Minute,
		ScanTimeout:          30 * time.Second,
		BackfillIdleTimeout:  3 * time.Second,
		KeepAlive:            25,
		Store: StoreConfig{
			CapacityBytes: store.DefaultCapacity,
			Backend:       "file",
			Path:          DefaultStorePath(),
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  store.DefaultRedisKey,
			},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := crypto.ValidateID(c.TransmitterID); err != nil {
		return fmt.Errorf("transmitter_id: %w", err)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"sleep_between_readings", c.SleepBetweenReadings},
		{"sleep_after_error", c.SleepAfterError},
		{"session_timeout", c.SessionTimeout},
		{"scan_timeout", c.ScanTimeout},
		{"backfill_idle_timeout", c.BackfillIdleTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", d.name, d.d)
		}
	}

	if c.KeepAlive == 0 {
		return errors.New("keep_alive must be > 0")
	}

	if c.Store.CapacityBytes < store.SlotSize || c.Store.CapacityBytes%store.SlotSize != 0 {
		return fmt.Errorf("store.capacity_bytes must be a positive multiple of %d, got %d", store.SlotSize, c.Store.CapacityBytes)
	}

	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return errors.New("store.path must not be empty for the file backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr must not be empty for the redis backend")
		}
		if c.Store.Redis.Key == "" {
			return errors.New("store.redis.key must not be empty for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"file\", \"redis\" or \"memory\", got %q", c.Store.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# g6-reader configuration
# transmitter_id is the 6-character serial printed on the transmitter.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
