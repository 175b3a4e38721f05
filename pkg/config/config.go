// Package config loads the chainfetch configuration from a YAML file and
// CHAINFETCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/batch"
	"github.com/Sternrassler/chainfetch/pkg/cache"
	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/fetcher"
	"github.com/Sternrassler/chainfetch/pkg/logging"
	"github.com/Sternrassler/chainfetch/pkg/observability"
	"github.com/Sternrassler/chainfetch/pkg/ratelimit"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// CHAINFETCH_SOURCE_ENDPOINTS or CHAINFETCH_SHARD_INDEX.
const EnvPrefix = "CHAINFETCH"

// Config is the complete process configuration.
type Config struct {
	Source    SourceConfig         `mapstructure:"source"`
	Store     store.Options        `mapstructure:"store"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Shard     ShardConfig          `mapstructure:"shard"`
	Fetcher   fetcher.Config       `mapstructure:"fetcher"`
	Correlate correlate.Config     `mapstructure:"correlate"`
	Batch     batch.Config         `mapstructure:"batch"`
	Cache     cache.Config         `mapstructure:"cache"`
	Logging   logging.Config       `mapstructure:"logging"`
	Tracing   observability.Config `mapstructure:"tracing"`
	HTTP      HTTPConfig           `mapstructure:"http"`

	// StopTimeout bounds how long shutdown waits for in-flight fetches.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// Accounts are added at startup when owned by this shard. An entry is
	// an account id, optionally followed by "@" and the cursor its backward
	// fetch stops at, e.g. "0xabc@1200000".
	Accounts []string `mapstructure:"accounts"`
}

// Account is a parsed Config.Accounts entry.
type Account struct {
	ID         string
	StopCursor *uint64
}

// ParseAccount parses an account entry.
func ParseAccount(entry string) (Account, error) {
	id, stop, found := strings.Cut(entry, "@")
	if id == "" {
		return Account{}, fault.Config("accounts", fmt.Sprintf("%q has no account id", entry))
	}
	if !found {
		return Account{ID: id}, nil
	}
	cursor, err := strconv.ParseUint(stop, 10, 64)
	if err != nil {
		return Account{}, fault.Config("accounts", fmt.Sprintf("%q has an invalid stop cursor", entry))
	}
	return Account{ID: id, StopCursor: &cursor}, nil
}

// SourceConfig describes the remote data source and how to reach it.
type SourceConfig struct {
	source.Config `mapstructure:",squash"`

	Endpoints         []string           `mapstructure:"endpoints"`
	HistoricEndpoints []string           `mapstructure:"historic_endpoints"`
	UserAgent         string             `mapstructure:"user_agent"`
	RequestTimeout    time.Duration      `mapstructure:"request_timeout"`
	Retry             client.RetryConfig `mapstructure:"retry"`
	RateLimits        []ratelimit.Policy `mapstructure:"rate_limits"`
}

// RedisConfig enables the Redis-backed features when Addr is set: shared
// provider throttle state, the response cache and cross-process
// notifications.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// ShardConfig selects the accounts this process owns.
type ShardConfig struct {
	Count int `mapstructure:"count"`
	Index int `mapstructure:"index"`
}

// HTTPConfig configures the health and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Config:         source.Config{Name: "default", Kind: "http"},
			UserAgent:      "chainfetch/1.0",
			RequestTimeout: 30 * time.Second,
			Retry:          client.DefaultRetryConfig(),
		},
		Store:     store.Options{Path: "data/chainfetch"},
		Redis:     RedisConfig{Channel: correlate.DefaultChannel},
		Shard:     ShardConfig{Count: 1},
		Fetcher:   fetcher.DefaultConfig(),
		Correlate: correlate.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		Cache:     cache.Config{Namespace: cache.DefaultNamespace, TTL: cache.DefaultTTL},
		Logging:   logging.Config{Level: logging.LevelInfo},
		Tracing:   observability.Config{Service: "chainfetch", Insecure: true},
		HTTP:      HTTPConfig{Addr: ":8080"},

		StopTimeout: 30 * time.Second,
	}
}

// New returns a viper instance with defaults, environment binding and,
// when path is set, the config file. Without a path ./chainfetch.yaml is
// read if present.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("chainfetch")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration from path and the environment.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Source.Name == "":
		return fault.Config("source.name", "is required")
	case c.Source.Kind == "":
		return fault.Config("source.kind", "is required")
	case len(c.Source.Endpoints) == 0:
		return fault.Config("source.endpoints", "at least one endpoint is required")
	case c.Source.RequestTimeout <= 0:
		return fault.Config("source.request_timeout", "must be positive")
	case c.Shard.Count < 1:
		return fault.Config("shard.count", "must be at least 1")
	case c.Shard.Index < 0 || c.Shard.Index >= c.Shard.Count:
		return fault.Config("shard.index", fmt.Sprintf("must be in [0, %d)", c.Shard.Count))
	case c.Fetcher.PageLimit <= 0:
		return fault.Config("fetcher.page_limit", "must be positive")
	case c.Fetcher.MaxPagesPerTick <= 0:
		return fault.Config("fetcher.max_pages_per_tick", "must be positive")
	case c.Correlate.RequestTTL <= 0:
		return fault.Config("correlate.request_ttl", "must be positive")
	case c.Correlate.SweepInterval <= 0:
		return fault.Config("correlate.sweep_interval", "must be positive")
	case !c.Store.InMemory && c.Store.Path == "":
		return fault.Config("store.path", "is required unless store.in_memory is set")
	}

	if err := c.Source.Retry.Validate(); err != nil {
		return err
	}
	if _, err := ratelimit.FromPolicies(c.Source.RateLimits); err != nil {
		return err
	}
	if err := c.Fetcher.Job.Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fault.Config("logging.level", err.Error())
	}
	for _, entry := range c.Accounts {
		if _, err := ParseAccount(entry); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("source.name", d.Source.Name)
	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.settings", map[string]string{})
	v.SetDefault("source.endpoints", []string{})
	v.SetDefault("source.historic_endpoints", []string{})
	v.SetDefault("source.user_agent", d.Source.UserAgent)
	v.SetDefault("source.request_timeout", d.Source.RequestTimeout)
	v.SetDefault("source.retry.max_attempts", d.Source.Retry.MaxAttempts)
	v.SetDefault("source.retry.strategy", d.Source.Retry.Strategy)
	v.SetDefault("source.retry.initial_backoff", d.Source.Retry.InitialBackoff)
	v.SetDefault("source.retry.max_backoff", d.Source.Retry.MaxBackoff)
	v.SetDefault("source.retry.jitter", d.Source.Retry.Jitter)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.in_memory", d.Store.InMemory)
	v.SetDefault("store.sync", d.Store.Sync)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)

	v.SetDefault("shard.count", d.Shard.Count)
	v.SetDefault("shard.index", d.Shard.Index)

	v.SetDefault("fetcher.page_limit", d.Fetcher.PageLimit)
	v.SetDefault("fetcher.max_pages_per_tick", d.Fetcher.MaxPagesPerTick)
	v.SetDefault("fetcher.job.default_interval", d.Fetcher.Job.DefaultInterval)
	v.SetDefault("fetcher.job.min_interval", d.Fetcher.Job.MinInterval)
	v.SetDefault("fetcher.job.max_interval", d.Fetcher.Job.MaxInterval)
	v.SetDefault("fetcher.job.shrink_factor", d.Fetcher.Job.ShrinkFactor)
	v.SetDefault("fetcher.job.grow_factor", d.Fetcher.Job.GrowFactor)

	v.SetDefault("correlate.request_ttl", d.Correlate.RequestTTL)
	v.SetDefault("correlate.retention", d.Correlate.Retention)
	v.SetDefault("correlate.sweep_interval", d.Correlate.SweepInterval)

	v.SetDefault("batch.workers", d.Batch.Workers)
	v.SetDefault("batch.batch_size", d.Batch.BatchSize)
	v.SetDefault("batch.interval", d.Batch.Interval)
	v.SetDefault("batch.timeout", d.Batch.Timeout)

	v.SetDefault("cache.namespace", d.Cache.Namespace)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("logging.level", string(d.Logging.Level))
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service", d.Tracing.Service)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("accounts", []string{})
}
