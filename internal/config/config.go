// Package config handles YAML configuration loading with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gate configuration.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Limits    LimitsConfig    `yaml:"limits"`
	Directory DirectoryConfig `yaml:"directory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CacheConfig holds counter store settings.
type CacheConfig struct {
	MaxSize    int           `yaml:"max_size"`    // local layer max entries
	DefaultTTL time.Duration `yaml:"default_ttl"` // local layer default TTL
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds shared store settings. Disabled means the gate runs on
// the local layer only.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LimitsConfig holds gate-wide defaults applied when a principal carries no
// limit of its own.
type LimitsConfig struct {
	DefaultTPM        int64 `yaml:"default_tpm"`         // 0 = unlimited
	DefaultRPM        int64 `yaml:"default_rpm"`         // 0 = unlimited
	GlobalMaxParallel int64 `yaml:"global_max_parallel"` // 0 = no global cap
}

// DirectoryConfig holds the user directory settings.
type DirectoryConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"; empty disables lookups
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

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Cache: CacheConfig{
			MaxSize:    100_000,
			DefaultTTL: 60 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
