// Package config loads service configuration from defaults, an optional
// config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all service configuration. Keys map to upper-case
// environment variables: poll_interval is POLL_INTERVAL.
type Config struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Chain sources
	DatabaseURL    string        `mapstructure:"database_url"`
	Migrate        bool          `mapstructure:"migrate"`
	RedisURL       string        `mapstructure:"redis_url"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	PolygonAPIKey  string        `mapstructure:"polygon_api_key"`
	PolygonBaseURL string        `mapstructure:"polygon_base_url"`

	// Chain store
	DefaultSymbol string        `mapstructure:"default_symbol"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	// Live feed
	FeedURL               string        `mapstructure:"feed_url"`
	FeedReconnectInterval time.Duration `mapstructure:"feed_reconnect_interval"`
	FeedMaxReconnects     int           `mapstructure:"feed_max_reconnects"`

	// Flow
	FlowTickers  []string `mapstructure:"flow_tickers"`
	FlowSample   int      `mapstructure:"flow_sample"`
	FlowPageSize int      `mapstructure:"flow_page_size"`
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("shutdown_timeout", 5*time.Second)

	v.SetDefault("database_url", "")
	v.SetDefault("migrate", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("polygon_api_key", "")
	v.SetDefault("polygon_base_url", "https://api.polygon.io")

	v.SetDefault("default_symbol", "SPY")
	v.SetDefault("poll_interval", 15*time.Minute)

	v.SetDefault("feed_url", "")
	v.SetDefault("feed_reconnect_interval", 5*time.Second)
	v.SetDefault("feed_max_reconnects", 5)

	v.SetDefault("flow_tickers", []string{})
	v.SetDefault("flow_sample", 10)
	v.SetDefault("flow_page_size", 100)
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment values win.
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.DefaultSymbol = strings.ToUpper(strings.TrimSpace(c.DefaultSymbol))
	tickers := c.FlowTickers[:0]
	for _, t := range c.FlowTickers {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			tickers = append(tickers, t)
		}
	}
	c.FlowTickers = tickers
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is empty", ErrInvalid)
	case c.DefaultSymbol == "":
		return fmt.Errorf("%w: default_symbol is empty", ErrInvalid)
	case c.PollInterval < 0:
		return fmt.Errorf("%w: poll_interval %s is negative", ErrInvalid, c.PollInterval)
	case c.CacheTTL <= 0:
		return fmt.Errorf("%w: cache_ttl must be positive", ErrInvalid)
	case c.FeedMaxReconnects < 0:
		return fmt.Errorf("%w: feed_max_reconnects is negative", ErrInvalid)
	case c.FlowPageSize <= 0:
		return fmt.Errorf("%w: flow_page_size must be positive", ErrInvalid)
	case c.FlowSample <= 0:
		return fmt.Errorf("%w: flow_sample must be positive", ErrInvalid)
	}
	return nil
}

// SourceKind names the chain source the config selects.
func (c *Config) SourceKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.PolygonAPIKey != "":
		return "polygon"
	}
	return "synthetic"
}
