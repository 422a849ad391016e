// Package config loads daemon configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tillworks/possync/logging"
)

type Config struct {
	StoreID      string             `mapstructure:"store_id"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      logging.Config     `mapstructure:"logging"`
}

type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   string `mapstructure:"timeout"`
}

func (r RemoteConfig) GetTimeout() time.Duration { return parseDuration(r.Timeout, 15*time.Second) }

type FeedConfig struct {
	// Transport selects the change feed client: "websocket" or "sse".
	Transport string `mapstructure:"transport"`
	URL       string `mapstructure:"url"`
}

type StorageConfig struct {
	// Driver selects local persistence: "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`
}

type SyncConfig struct {
	MaxAttempts  int     `mapstructure:"max_attempts"`
	InitialDelay string  `mapstructure:"initial_delay"`
	MaxDelay     string  `mapstructure:"max_delay"`
	Multiplier   float64 `mapstructure:"multiplier"`
	OpTimeout    string  `mapstructure:"op_timeout"`
}

func (s SyncConfig) GetInitialDelay() time.Duration {
	return parseDuration(s.InitialDelay, 500*time.Millisecond)
}
func (s SyncConfig) GetMaxDelay() time.Duration  { return parseDuration(s.MaxDelay, 30*time.Second) }
func (s SyncConfig) GetOpTimeout() time.Duration { return parseDuration(s.OpTimeout, 15*time.Second) }

type ConnectivityConfig struct {
	ProbeURL      string `mapstructure:"probe_url"`
	ProbeInterval string `mapstructure:"probe_interval"`
	Debounce      string `mapstructure:"debounce"`
}

func (c ConnectivityConfig) GetProbeInterval() time.Duration {
	return parseDuration(c.ProbeInterval, 15*time.Second)
}
func (c ConnectivityConfig) GetDebounce() time.Duration {
	return parseDuration(c.Debounce, 2*time.Second)
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Spec is a cron expression for the background drain trigger.
	Spec string `mapstructure:"spec"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Load reads the configuration file at path, applying POSSYNC_* environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("feed.transport", "websocket")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "possync.db")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.multiplier", 2.0)
	v.SetDefault("scheduler.spec", "@every 5m")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StoreID == "" {
		return nil, fmt.Errorf("store_id is required")
	}
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}
	return &cfg, nil
}
