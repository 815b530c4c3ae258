// Package config loads usagemeter configuration from files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/meter"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. USAGEMETER_STORE_DRIVER.
const EnvPrefix = "USAGEMETER"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the top-level configuration.
type Config struct {
	Logging logging.Config `mapstructure:"logging"`
	Store   StoreConfig    `mapstructure:"store"`
	Catalog CatalogConfig  `mapstructure:"catalog"`
	Meter   MeterConfig    `mapstructure:"meter"`
	Alerts  AlertsConfig   `mapstructure:"alerts"`
	Daemon  DaemonConfig   `mapstructure:"daemon"`
	NATS    NATSConfig     `mapstructure:"nats"`
	Cache   CacheConfig    `mapstructure:"cache"`

	// Path is the file the configuration was read from, if any.
	Path string `mapstructure:"-"`
}

// StoreConfig selects where ledgers and profiles live.
type StoreConfig struct {
	// Driver is memory, file, sqlite or redis.
	Driver string `mapstructure:"driver"`

	// Path is the ledger directory (file) or database file (sqlite).
	Path string `mapstructure:"path"`

	// RedisURL is used by the redis driver.
	RedisURL string `mapstructure:"redis_url"`

	// RedisPrefix namespaces redis keys.
	RedisPrefix string `mapstructure:"redis_prefix"`

	// BusyTimeout is the sqlite busy timeout.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// CatalogConfig points at optional tier overrides.
type CatalogConfig struct {
	File string `mapstructure:"file"`
}

// MeterConfig tunes accounting behaviour.
type MeterConfig struct {
	ResetTimezone  string        `mapstructure:"reset_timezone"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReclaimPolicy  string        `mapstructure:"reclaim_policy"`
	PersistRetries int           `mapstructure:"persist_retries"`
	PersistBackoff time.Duration `mapstructure:"persist_backoff"`
}

// AlertsConfig tunes the alert engine.
type AlertsConfig struct {
	WarningThreshold float64 `mapstructure:"warning_threshold"`

	// Retention is how long alerts are kept before pruning. Zero keeps them.
	Retention time.Duration `mapstructure:"retention"`
}

// DaemonConfig configures the network listeners.
type DaemonConfig struct {
	Host     string `mapstructure:"host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	HTTPPort int    `mapstructure:"http_port"`

	// RateLimit is the global requests per second across all calls; zero
	// disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig enables the NATS alert sink when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// CacheConfig sizes the tier lookup cache.
type CacheConfig struct {
	TierEntries int64         `mapstructure:"tier_entries"`
	TierTTL     time.Duration `mapstructure:"tier_ttl"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	m := meter.DefaultConfig()
	return &Config{
		Logging: logging.Config{Level: "info", Format: "auto"},
		Store: StoreConfig{
			Driver:      DriverMemory,
			RedisPrefix: "usagemeter",
			BusyTimeout: 5 * time.Second,
		},
		Meter: MeterConfig{
			ResetTimezone:  "UTC",
			StaleAfter:     m.StaleAfter,
			SweepInterval:  m.SweepInterval,
			ReclaimPolicy:  string(m.ReclaimPolicy),
			PersistRetries: m.PersistRetries,
			PersistBackoff: m.PersistBackoff,
		},
		Alerts: AlertsConfig{
			WarningThreshold: 0.80,
			Retention:        90 * 24 * time.Hour,
		},
		Daemon: DaemonConfig{
			Host:            "127.0.0.1",
			GRPCPort:        7420,
			HTTPPort:        7421,
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{SubjectPrefix: "usagemeter.alerts"},
		Cache: CacheConfig{
			TierEntries: 10000,
			TierTTL:     5 * time.Minute,
		},
	}
}

// Load reads configuration from path, or from config.{yaml,toml,json} in the
// usual locations when path is empty. Environment variables override files.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.config/usagemeter")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.redis_url", d.Store.RedisURL)
	v.SetDefault("store.redis_prefix", d.Store.RedisPrefix)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)

	v.SetDefault("catalog.file", d.Catalog.File)

	v.SetDefault("meter.reset_timezone", d.Meter.ResetTimezone)
	v.SetDefault("meter.stale_after", d.Meter.StaleAfter)
	v.SetDefault("meter.sweep_interval", d.Meter.SweepInterval)
	v.SetDefault("meter.reclaim_policy", d.Meter.ReclaimPolicy)
	v.SetDefault("meter.persist_retries", d.Meter.PersistRetries)
	v.SetDefault("meter.persist_backoff", d.Meter.PersistBackoff)

	v.SetDefault("alerts.warning_threshold", d.Alerts.WarningThreshold)
	v.SetDefault("alerts.retention", d.Alerts.Retention)

	v.SetDefault("daemon.host", d.Daemon.Host)
	v.SetDefault("daemon.grpc_port", d.Daemon.GRPCPort)
	v.SetDefault("daemon.http_port", d.Daemon.HTTPPort)
	v.SetDefault("daemon.rate_limit", d.Daemon.RateLimit)
	v.SetDefault("daemon.rate_burst", d.Daemon.RateBurst)
	v.SetDefault("daemon.shutdown_timeout", d.Daemon.ShutdownTimeout)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("cache.tier_entries", d.Cache.TierEntries)
	v.SetDefault("cache.tier_ttl", d.Cache.TierTTL)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	validation := &models.ValidationErrors{}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			validation.AddMessage("store.path", fmt.Sprintf("path is required for the %s driver", c.Store.Driver))
		}
	case DriverRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			validation.AddMessage("store.redis_url", "redis_url is required for the redis driver")
		}
	default:
		validation.AddMessage("store.driver", fmt.Sprintf("unknown driver %q", c.Store.Driver))
	}

	if _, err := time.LoadLocation(c.Meter.ResetTimezone); err != nil {
		validation.AddMessage("meter.reset_timezone", err.Error())
	}
	if _, err := meter.ParseReclaimPolicy(c.Meter.ReclaimPolicy); err != nil {
		validation.AddMessage("meter.reclaim_policy", err.Error())
	}
	if c.Meter.StaleAfter <= 0 {
		validation.AddMessage("meter.stale_after", "must be positive")
	}
	if c.Meter.SweepInterval <= 0 {
		validation.AddMessage("meter.sweep_interval", "must be positive")
	}
	if c.Meter.PersistRetries < 1 {
		validation.AddMessage("meter.persist_retries", "must be at least 1")
	}

	if t := c.Alerts.WarningThreshold; t <= 0 || t >= 1 {
		validation.AddMessage("alerts.warning_threshold", "must be between 0 and 1")
	}

	for field, port := range map[string]int{"daemon.grpc_port": c.Daemon.GRPCPort, "daemon.http_port": c.Daemon.HTTPPort} {
		if port < 0 || port > 65535 {
			validation.AddMessage(field, "must be a valid port")
		}
	}
	if c.Daemon.GRPCPort != 0 && c.Daemon.GRPCPort == c.Daemon.HTTPPort {
		validation.AddMessage("daemon.http_port", "must differ from grpc_port")
	}
	if c.Daemon.RateLimit < 0 {
		validation.AddMessage("daemon.rate_limit", "must not be negative")
	}

	return validation.Err()
}

// MeterConfig converts the meter section into meter.Config.
func (c *Config) MeterConfig() (meter.Config, error) {
	loc, err := time.LoadLocation(c.Meter.ResetTimezone)
	if err != nil {
		return meter.Config{}, fmt.Errorf("reset timezone: %w", err)
	}
	policy, err := meter.ParseReclaimPolicy(c.Meter.ReclaimPolicy)
	if err != nil {
		return meter.Config{}, err
	}
	return meter.Config{
		Location:       loc,
		StaleAfter:     c.Meter.StaleAfter,
		ReclaimPolicy:  policy,
		PersistRetries: c.Meter.PersistRetries,
		PersistBackoff: c.Meter.PersistBackoff,
		SweepInterval:  c.Meter.SweepInterval,
	}, nil
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.Daemon.Host, strconv.Itoa(c.Daemon.GRPCPort))
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Daemon.Host, strconv.Itoa(c.Daemon.HTTPPort))
}
