// Package config holds the read-only configuration consumed by the
// data-access layer: store endpoint and credentials, per-operation-class
// timeouts, breaker thresholds and cache settings.
//
// Loading order, lowest to highest priority: defaults, optional YAML file,
// environment variables. The final struct is validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Timeouts defines one timeout per operation class. Every network-bound call
// carries exactly one of these.
type Timeouts struct {
	Connect      time.Duration `yaml:"connect" validate:"gt=0"`
	Bootstrap    time.Duration `yaml:"bootstrap" validate:"gt=0"`
	KeyValue     time.Duration `yaml:"key_value" validate:"gt=0"`
	DurableWrite time.Duration `yaml:"durable_write" validate:"gt=0"`
	Query        time.Duration `yaml:"query" validate:"gt=0"`
	Analytics    time.Duration `yaml:"analytics" validate:"gt=0"`
	Search       time.Duration `yaml:"search" validate:"gt=0"`
}

// Breaker holds the circuit breaker thresholds.
type Breaker struct {
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"gt=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"gt=0"`
}

// Cache holds the cache layer settings. These are dynamic: the watcher may
// swap them at runtime.
type Cache struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// Path is the SQLite file for the persisted variant; empty selects the
	// in-memory variant.
	Path     string `yaml:"path"`
	MaxItems int    `yaml:"max_items" validate:"gt=0"`
}

// CasRetry holds the optimistic-concurrency retry budget for repository
// writes.
type CasRetry struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
}

// Config is the full configuration for the access layer.
type Config struct {
	// Endpoint overrides the cluster endpoint, e.g. a local store. Empty
	// uses the SDK's default resolution.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Region   string `yaml:"region" validate:"required"`
	// Table is the keyspace all repositories and queries address.
	Table string `yaml:"table" validate:"required"`

	// Static credentials; empty defers to the ambient credential chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	Timeouts Timeouts `yaml:"timeouts"`
	Breaker  Breaker  `yaml:"breaker"`
	Cache    Cache    `yaml:"cache"`
	CasRetry CasRetry `yaml:"cas_retry"`

	// ConnectAttempts/ConnectBaseDelay/ConnectMaxDelay shape the guarded
	// first-connect sequence.
	ConnectAttempts  int           `yaml:"connect_attempts" validate:"gt=0"`
	ConnectBaseDelay time.Duration `yaml:"connect_base_delay" validate:"gt=0"`
	ConnectMaxDelay  time.Duration `yaml:"connect_max_delay" validate:"gt=0"`
}

// Default returns the baseline configuration before overlays.
func Default() *Config {
	return &Config{
		Region: "us-west-2",
		Table:  "documents",
		Timeouts: Timeouts{
			Connect:      10 * time.Second,
			Bootstrap:    10 * time.Second,
			KeyValue:     2500 * time.Millisecond,
			DurableWrite: 10 * time.Second,
			Query:        75 * time.Second,
			Analytics:    75 * time.Second,
			Search:       75 * time.Second,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Cache: Cache{
			Enabled:    true,
			DefaultTTL: 5 * time.Minute,
			MaxItems:   10000,
		},
		CasRetry: CasRetry{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
		},
		ConnectAttempts:  3,
		ConnectBaseDelay: 2 * time.Second,
		ConnectMaxDelay:  30 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// applyEnvironment overlays environment variables, the highest-priority
// source.
func (c *Config) applyEnvironment() {
	c.Endpoint = getEnv("DOCSTORE_ENDPOINT", c.Endpoint)
	c.Region = getEnv("DOCSTORE_REGION", getEnv("AWS_REGION", c.Region))
	c.Table = getEnv("DOCSTORE_TABLE", c.Table)
	c.AccessKeyID = getEnv("DOCSTORE_ACCESS_KEY_ID", c.AccessKeyID)
	c.SecretAccessKey = getEnv("DOCSTORE_SECRET_ACCESS_KEY", c.SecretAccessKey)

	c.Timeouts.Connect = getEnvDuration("DOCSTORE_CONNECT_TIMEOUT", c.Timeouts.Connect)
	c.Timeouts.KeyValue = getEnvDuration("DOCSTORE_KV_TIMEOUT", c.Timeouts.KeyValue)
	c.Timeouts.Query = getEnvDuration("DOCSTORE_QUERY_TIMEOUT", c.Timeouts.Query)

	c.Breaker.FailureThreshold = uint32(getEnvInt("DOCSTORE_BREAKER_THRESHOLD", int(c.Breaker.FailureThreshold)))
	c.Breaker.OpenTimeout = getEnvDuration("DOCSTORE_BREAKER_OPEN_TIMEOUT", c.Breaker.OpenTimeout)

	c.Cache.Enabled = getEnvBool("DOCSTORE_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.DefaultTTL = getEnvDuration("DOCSTORE_CACHE_TTL", c.Cache.DefaultTTL)
	c.Cache.Path = getEnv("DOCSTORE_CACHE_PATH", c.Cache.Path)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
