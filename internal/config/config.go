// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Governance GovernanceConfig `yaml:"governance"`
	Providers  []ProviderEntry  `yaml:"providers"`
	Cache      CacheConfig      `yaml:"cache"`
	Routing    RoutingConfig    `yaml:"routing"`
	Usage      UsageConfig      `yaml:"usage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Debug      bool             `yaml:"debug"` // enables /debug/* endpoints
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GovernanceConfig holds the external governance service connection.
type GovernanceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"` // long-lived server key (x-api-key)
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderEntry is an upstream LLM provider definition.
type ProviderEntry struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // "openai", "anthropic"; defaults to Name
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// CacheConfig holds KV store settings and per-kind TTLs.
type CacheConfig struct {
	URL           string        `yaml:"url"`      // redis URL; empty = in-memory
	MaxSize       int           `yaml:"max_size"` // memory variant entry cap
	LimitsTTL     time.Duration `yaml:"limits_ttl"`
	JWTTTL        time.Duration `yaml:"jwt_ttl"`
	TierConfigTTL time.Duration `yaml:"tier_config_ttl"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

// RoutingConfig holds health-backoff parameters for the tier router.
type RoutingConfig struct {
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`

	// DefaultProvider serves the pass-through endpoints that carry no tier.
	// Empty means the first configured provider.
	DefaultProvider string `yaml:"default_provider"`
}

// UsageConfig holds batching-ingest parameters.
type UsageConfig struct {
	ChannelSize      int           `yaml:"channel_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxBatchSize     int           `yaml:"max_batch_size"` // distinct users per flush
	MaxRetryBatch    int           `yaml:"max_retry_batch"`
	FlushRatePerSec  float64       `yaml:"flush_rate_per_sec"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    310 * time.Second, // must exceed the upstream timeout
			ShutdownTimeout: 30 * time.Second,
		},
		Governance: GovernanceConfig{
			Timeout: 300 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:       50_000,
			LimitsTTL:     time.Minute,
			JWTTTL:        5 * time.Minute,
			TierConfigTTL: 30 * time.Minute,
			SessionTTL:    24 * time.Hour,
		},
		Routing: RoutingConfig{
			BackoffInitial:    30 * time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        300 * time.Second,
		},
		Usage: UsageConfig{
			ChannelSize:      10_000,
			FlushInterval:    500 * time.Millisecond,
			RetryInterval:    60 * time.Second,
			MaxBatchSize:     100,
			MaxRetryBatch:    50,
			FlushRatePerSec:  20,
			BreakerThreshold: 3,
			BreakerReset:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	if c.Governance.BaseURL == "" {
		return fmt.Errorf("governance.base_url is required")
	}
	if c.Governance.APIKey == "" {
		return fmt.Errorf("governance.api_key is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		switch p.ResolvedType() {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.ResolvedType())
		}
	}
	return nil
}
