// Package config loads conversion-fetch settings from config.yaml and
// CONVFETCH_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/logging"
	"github.com/Sternrassler/conversion-fetch/pkg/pagination"
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// APIConfig describes the conversions API.
type APIConfig struct {
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	AuthPath        string `yaml:"auth_path" mapstructure:"auth_path"`
	ConversionsPath string `yaml:"conversions_path" mapstructure:"conversions_path"`
	Secret          string `yaml:"secret" mapstructure:"secret"`
	Key             string `yaml:"key" mapstructure:"key"`
	Currency        string `yaml:"currency" mapstructure:"currency"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
}

// FetchConfig holds the engine and page client tunables.
type FetchConfig struct {
	PageSize           int           `yaml:"page_size" mapstructure:"page_size"`
	RequestTimeout     time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap         time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap"`
	RateLimitWait      time.Duration `yaml:"rate_limit_wait" mapstructure:"rate_limit_wait"`
	MaxRateLimitWaits  int           `yaml:"max_rate_limit_waits" mapstructure:"max_rate_limit_waits"`
	MaxConcurrency     int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ConcurrencyCeiling int           `yaml:"concurrency_ceiling" mapstructure:"concurrency_ceiling"`
	WaveSize           int           `yaml:"wave_size" mapstructure:"wave_size"`
	RecordCap          int           `yaml:"record_cap" mapstructure:"record_cap"`
	MaxPages           int           `yaml:"max_pages" mapstructure:"max_pages"`
	SkipThreshold      int           `yaml:"skip_threshold" mapstructure:"skip_threshold"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// RedisConfig enables the shared page cache and cooldown store. An empty
// Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// CacheConfig controls the page cache. A zero TTL disables it.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// MonitorConfig controls the resource monitor.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Buffer  int  `yaml:"buffer" mapstructure:"buffer"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Pretty bool   `yaml:"pretty" mapstructure:"pretty"`
}

// Load reads configuration from file and environment. With an empty path,
// config.yaml in the working directory is used if present; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CONVFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	retryDefaults := retry.DefaultConfig()
	engineDefaults := pagination.DefaultConfig()

	v.SetDefault("api.base_url", "https://api.involve.asia/api")
	v.SetDefault("api.auth_path", "/authenticate")
	v.SetDefault("api.conversions_path", "/conversions/range")
	v.SetDefault("api.secret", "")
	v.SetDefault("api.key", "general")
	v.SetDefault("api.currency", "USD")
	v.SetDefault("api.user_agent", "conversion-fetch/0.1.0")

	v.SetDefault("fetch.page_size", 100)
	v.SetDefault("fetch.request_timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", retryDefaults.MaxRetries)
	v.SetDefault("fetch.backoff_base", retryDefaults.BaseBackoff)
	v.SetDefault("fetch.backoff_cap", retryDefaults.MaxBackoff)
	v.SetDefault("fetch.rate_limit_wait", retryDefaults.RateLimitWait)
	v.SetDefault("fetch.max_rate_limit_waits", retryDefaults.MaxRateLimitWaits)
	v.SetDefault("fetch.max_concurrency", engineDefaults.MaxConcurrency)
	v.SetDefault("fetch.concurrency_ceiling", engineDefaults.ConcurrencyCeiling)
	v.SetDefault("fetch.wave_size", engineDefaults.WaveSize)
	v.SetDefault("fetch.record_cap", engineDefaults.RecordCap)
	v.SetDefault("fetch.max_pages", engineDefaults.MaxPages)
	v.SetDefault("fetch.skip_threshold", engineDefaults.SkipThreshold)
	v.SetDefault("fetch.requests_per_second", 0.0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.buffer", 64)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks the settings that are not covered by the engine's own
// validation.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return eris.New("config: api.base_url is required")
	}
	if c.Fetch.PageSize <= 0 {
		return eris.Errorf("config: fetch.page_size must be > 0 (got %d)", c.Fetch.PageSize)
	}
	if c.Fetch.RequestTimeout <= 0 {
		return eris.Errorf("config: fetch.request_timeout must be > 0 (got %s)", c.Fetch.RequestTimeout)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return eris.Errorf("config: fetch.requests_per_second must be >= 0 (got %v)", c.Fetch.RequestsPerSecond)
	}
	if c.Cache.TTL < 0 {
		return eris.Errorf("config: cache.ttl must be >= 0 (got %s)", c.Cache.TTL)
	}
	if c.Monitor.Buffer < 1 {
		return eris.Errorf("config: monitor.buffer must be >= 1 (got %d)", c.Monitor.Buffer)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port out of range (got %d)", c.Server.Port)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrap(err, "config: log.level")
	}
	if err := c.PaginationConfig().Validate(); err != nil {
		return eris.Wrap(err, "config: fetch")
	}
	return nil
}

// PaginationConfig maps the fetch section onto the engine configuration.
func (c *Config) PaginationConfig() pagination.Config {
	return pagination.Config{
		MaxConcurrency:     c.Fetch.MaxConcurrency,
		ConcurrencyCeiling: c.Fetch.ConcurrencyCeiling,
		WaveSize:           c.Fetch.WaveSize,
		RecordCap:          c.Fetch.RecordCap,
		MaxPages:           c.Fetch.MaxPages,
		SkipThreshold:      c.Fetch.SkipThreshold,
		Retry: retry.Config{
			MaxRetries:        c.Fetch.MaxRetries,
			BaseBackoff:       c.Fetch.BackoffBase,
			MaxBackoff:        c.Fetch.BackoffCap,
			RateLimitWait:     c.Fetch.RateLimitWait,
			MaxRateLimitWaits: c.Fetch.MaxRateLimitWaits,
		},
	}
}

// LoggingConfig maps the log section onto the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	if out.API.Secret != "" {
		out.API.Secret = "********"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "********"
	}
	return out
}
