// Package config loads arq settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvGateway = "ARQ_GATEWAY"
	EnvForce   = "ARQ_FORCE"
)

type Config struct {
	Gateway              string            `yaml:"gateway"`
	SafeConfirmations    int               `yaml:"safe_confirmations"`
	MaxConcurrentFetches int               `yaml:"max_concurrent_fetches"`
	PageSize             int               `yaml:"page_size"`
	MaxTagSize           datasize.ByteSize `yaml:"max_tag_size"`
	MaxBodySize          datasize.ByteSize `yaml:"max_body_size"`
	HTTPTimeout          time.Duration     `yaml:"http_timeout"`
	CacheTTL             time.Duration     `yaml:"cache_ttl"`
	Force                bool              `yaml:"force"`
	LogLevel             string            `yaml:"log_level"`
	Listen               string            `yaml:"listen"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Gateway:              "https://arweave.net",
		SafeConfirmations:    15,
		MaxConcurrentFetches: 5,
		PageSize:             100,
		MaxTagSize:           2 * datasize.KB,
		MaxBodySize:          5 * datasize.MB,
		HTTPTimeout:          30 * time.Second,
		CacheTTL:             5 * time.Minute,
		LogLevel:             "info",
		Listen:               ":8080",
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvGateway); ok && v != "" {
		c.Gateway = v
	}
	if v, ok := lookup(EnvForce); ok && v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvForce, err)
		}
		c.Force = force
	}
	return nil
}

// Validate rejects empty or non-positive limits
func (c Config) Validate() error {
	switch {
	case c.Gateway == "":
		return fmt.Errorf("gateway is required")
	case c.SafeConfirmations < 1:
		return fmt.Errorf("safe_confirmations must be positive, got %d", c.SafeConfirmations)
	case c.MaxConcurrentFetches < 1:
		return fmt.Errorf("max_concurrent_fetches must be positive, got %d", c.MaxConcurrentFetches)
	case c.PageSize < 1:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.MaxTagSize == 0:
		return fmt.Errorf("max_tag_size must be positive")
	case c.MaxBodySize == 0:
		return fmt.Errorf("max_body_size must be positive")
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout)
	case c.CacheTTL < 0:
		return fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL)
	}
	return nil
}
