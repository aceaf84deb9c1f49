// Package config loads the devlink host and device configuration from YAML
// files and DEVLINK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"

	"github.com/ZentaChain/devlink/pkg/crypto"
	"github.com/ZentaChain/devlink/pkg/protocol"
)

// EnvPrefix prefixes every environment override, e.g. DEVLINK_LOG_LEVEL
const EnvPrefix = "DEVLINK"

// Config is the root configuration
type Config struct {
	// Listen is the multiaddr devices connect to
	Listen string `mapstructure:"listen"`

	RSABits           int           `mapstructure:"rsa_bits"`
	WrapPublicKey     bool          `mapstructure:"wrap_public_key"`
	QueueInterval     time.Duration `mapstructure:"queue_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedHeartbeats  int           `mapstructure:"missed_heartbeats"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`

	API     APIConfig     `mapstructure:"api"`
	Storage StorageConfig `mapstructure:"storage"`
	Device  DeviceConfig  `mapstructure:"device"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig controls the REST surface
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// RateLimit is requests per minute per client IP, 0 disables it
	RateLimit int `mapstructure:"rate_limit"`
}

// StorageConfig controls the device registry database
type StorageConfig struct {
	Path          string `mapstructure:"path"`
	MaxLogEntries int    `mapstructure:"max_log_entries"`
}

// DeviceConfig is used by the device simulator
type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the protocol's standard timings
func Default() *Config {
	return &Config{
		Listen:            "/ip4/0.0.0.0/tcp/1337",
		RSABits:           crypto.DefaultRSABits,
		WrapPublicKey:     true,
		QueueInterval:     500 * time.Millisecond,
		MaxAttempts:       4,
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  2,
		WriteTimeout:      5 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		API: APIConfig{
			Enabled:   true,
			Listen:    ":8080",
			RateLimit: 100,
		},
		Storage: StorageConfig{
			Path:          "./data/devlink.db",
			MaxLogEntries: 100,
		},
		Device: DeviceConfig{
			Name:    "devlink-device",
			Address: "/ip4/127.0.0.1/tcp/1337",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/devlink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// DEVLINK_CONFIG or a devlink.yaml in the usual locations. Environment
// variables override file values; `.` and `-` in keys become `_`.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("devlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".devlink"))
		}
	}

	// a missing file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed every key so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("rsa_bits", cfg.RSABits)
	v.SetDefault("wrap_public_key", cfg.WrapPublicKey)
	v.SetDefault("queue_interval", cfg.QueueInterval)
	v.SetDefault("max_attempts", cfg.MaxAttempts)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("missed_heartbeats", cfg.MissedHeartbeats)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("max_frame_size", cfg.MaxFrameSize)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.listen", cfg.API.Listen)
	v.SetDefault("api.rate_limit", cfg.API.RateLimit)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.max_log_entries", cfg.Storage.MaxLogEntries)
	v.SetDefault("device.name", cfg.Device.Name)
	v.SetDefault("device.address", cfg.Device.Address)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

// Validate rejects settings the protocol cannot run with and fills in
// harmless blanks
func (c *Config) Validate() error {
	if _, err := ma.NewMultiaddr(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.RSABits < crypto.MinRSABits {
		return fmt.Errorf("rsa_bits must be at least %d, got %d", crypto.MinRSABits, c.RSABits)
	}
	if c.QueueInterval <= 0 {
		return fmt.Errorf("queue_interval must be positive, got %s", c.QueueInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.MissedHeartbeats <= 0 {
		return fmt.Errorf("missed_heartbeats must be positive, got %d", c.MissedHeartbeats)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must not be negative, got %s", c.WriteTimeout)
	}
	if c.MaxFrameSize < protocol.HeaderSize {
		return fmt.Errorf("max_frame_size must be at least %d, got %d", protocol.HeaderSize, c.MaxFrameSize)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative, got %d", c.API.RateLimit)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Device.Name) == "" {
		c.Device.Name = "devlink-device"
	}
	return nil
}
