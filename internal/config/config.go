// Package config loads service configuration from an optional file and
// PE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Price    PriceConfig    `mapstructure:"price"`
	Market   MarketConfig   `mapstructure:"market"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds Redis settings. An empty URL selects process-local
// caches, queues and locks.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// BrokerConfig holds reconciliation settings.
type BrokerConfig struct {
	FlushDelay    time.Duration `mapstructure:"flush_delay"`     // delay before durable flush after fill
	OrderMapTTL   time.Duration `mapstructure:"order_map_ttl"`   // order → prediction mapping
	OrderStateTTL time.Duration `mapstructure:"order_state_ttl"` // in-flight order records
	ProcessedTTL  time.Duration `mapstructure:"processed_ttl"`   // replay guard after flush
	PollInterval  time.Duration `mapstructure:"poll_interval"`   // drain/flush tick
	DrainLockTTL  time.Duration `mapstructure:"drain_lock_ttl"`
}

// PriceConfig holds price collaborator settings.
type PriceConfig struct {
	PrimaryURL   string        `mapstructure:"primary_url"`
	SecondaryURL string        `mapstructure:"secondary_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	LastQuoteTTL time.Duration `mapstructure:"last_quote_ttl"`
}

// MarketConfig holds trading calendar settings.
type MarketConfig struct {
	Timezone     string        `mapstructure:"timezone"`
	Open         string        `mapstructure:"open"`  // HH:MM
	Close        string        `mapstructure:"close"` // HH:MM
	ExpiryGrace  time.Duration `mapstructure:"expiry_grace"`
	Holidays     []string      `mapstructure:"holidays"` // YYYY-MM-DD
	EvalInterval time.Duration `mapstructure:"eval_interval"`
}

// LimitsConfig holds investment sizing rules, in thousands.
type LimitsConfig struct {
	MinInvestment  float64 `mapstructure:"min_investment"`
	MaxInvestment  float64 `mapstructure:"max_investment"`
	MaxPerSecurity float64 `mapstructure:"max_per_security"`
	MaxTotal       float64 `mapstructure:"max_total"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"` // empty disables the file sink
	MaxSize    int    `mapstructure:"max_size"`  // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// ErrConfigInvalid is returned when a loaded value fails validation.
var ErrConfigInvalid = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "pe")
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("broker.flush_delay", 60*time.Second)
	v.SetDefault("broker.order_map_ttl", 24*time.Hour)
	v.SetDefault("broker.order_state_ttl", 7*24*time.Hour)
	v.SetDefault("broker.processed_ttl", 7*24*time.Hour)
	v.SetDefault("broker.poll_interval", time.Second)
	v.SetDefault("broker.drain_lock_ttl", 30*time.Second)

	v.SetDefault("price.primary_url", "")
	v.SetDefault("price.secondary_url", "")
	v.SetDefault("price.timeout", 5*time.Second)
	v.SetDefault("price.last_quote_ttl", 24*time.Hour)

	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.open", "09:30")
	v.SetDefault("market.close", "16:00")
	v.SetDefault("market.expiry_grace", 15*time.Minute)
	v.SetDefault("market.holidays", []string{})
	v.SetDefault("market.eval_interval", time.Minute)

	v.SetDefault("limits.min_investment", 10.0)
	v.SetDefault("limits.max_investment", 50.0)
	v.SetDefault("limits.max_per_security", 100.0)
	v.SetDefault("limits.max_total", 1000.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. Environment keys use the PE_ prefix with
// dots replaced by underscores, e.g. PE_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Broker.FlushDelay < 0 {
		return fmt.Errorf("%w: broker.flush_delay must not be negative", ErrConfigInvalid)
	}
	if c.Price.Timeout <= 0 {
		return fmt.Errorf("%w: price.timeout must be positive", ErrConfigInvalid)
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("%w: market.timezone %q: %v", ErrConfigInvalid, c.Market.Timezone, err)
	}
	if c.Limits.MaxInvestment > 0 && c.Limits.MinInvestment > c.Limits.MaxInvestment {
		return fmt.Errorf("%w: limits.min_investment exceeds limits.max_investment", ErrConfigInvalid)
	}
	return nil
}
