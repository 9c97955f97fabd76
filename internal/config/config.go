package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backend names accepted in StoreConfig.Backend.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreDynamo = "dynamo"
)

// Config is the full gateway configuration, loaded from YAML with
// environment overrides for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Budget    BudgetConfig    `yaml:"daily_budget"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
}

type StoreConfig struct {
	// Backend selects the shared-store implementation: memory, sqlite or
	// dynamo. Empty disables the shared tier entirely.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`  // sqlite database file
	Table   string `yaml:"table"` // dynamo table name
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepChance   float64       `yaml:"sweep_chance"`
}

type RateLimitConfig struct {
	Max        int           `yaml:"max"`
	Window     time.Duration `yaml:"window"`
	Multiplier float64       `yaml:"distributed_multiplier"`
	MaxBuckets int           `yaml:"max_buckets"`
}

type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type BudgetConfig struct {
	DailyCap int `yaml:"daily_cap"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from path (optional), layering environment
// overrides and defaults. A missing file is not an error; env and defaults
// still apply.
func Load(path string) (*Config, error) {
	// Best effort: a .env file is a development convenience.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and deploy-specific values from environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("STORE_TABLE"); v != "" {
		c.Store.Table = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultModel
	}
	if c.Upstream.MaxTokens <= 0 {
		c.Upstream.MaxTokens = DefaultMaxOutputTokens
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}
	if c.Upstream.InitialDelay <= 0 {
		c.Upstream.InitialDelay = DefaultInitialRetryDelay
	}
	if c.Upstream.MaxDelay <= 0 {
		c.Upstream.MaxDelay = DefaultMaxRetryDelay
	}
	if c.Upstream.Multiplier <= 1 {
		c.Upstream.Multiplier = DefaultRetryMultiplier
	}
	if c.Upstream.AttemptTimeout <= 0 {
		c.Upstream.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Upstream.StreamTimeout <= 0 {
		c.Upstream.StreamTimeout = DefaultStreamTimeout
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.Cache.SweepChance <= 0 {
		c.Cache.SweepChance = DefaultSweepChance
	}

	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = DefaultRateLimitMax
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.RateLimit.Multiplier < 1 {
		c.RateLimit.Multiplier = DefaultRateLimitMultiplier
	}
	if c.RateLimit.MaxBuckets <= 0 {
		c.RateLimit.MaxBuckets = MaxRateLimitBuckets
	}

	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = DefaultBreakerThreshold
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = DefaultBreakerResetTimeout
	}

	if c.Budget.DailyCap == 0 {
		c.Budget.DailyCap = DefaultDailyBudget
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case StoreDynamo:
		if c.Store.Table == "" {
			return fmt.Errorf("store.table is required for the dynamo backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Upstream.StreamTimeout <= c.Upstream.AttemptTimeout {
		return fmt.Errorf("upstream.stream_timeout (%s) must exceed attempt_timeout (%s)",
			c.Upstream.StreamTimeout, c.Upstream.AttemptTimeout)
	}
	return nil
}
