package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// configWithRetryDefault is used for proper default handling of maxRetries,
// where an explicit 0 disables retries
type configWithRetryDefault struct {
	Config        `yaml:",inline"`
	MaxRetriesPtr *int `json:"maxRetries" yaml:"maxRetries"`
}

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var rawCfg configWithRetryDefault
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rawCfg)
	default:
		err = json.Unmarshal(data, &rawCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config
	if rawCfg.MaxRetriesPtr != nil {
		cfg.MaxRetries = *rawCfg.MaxRetriesPtr
	} else {
		cfg.MaxRetries = DefaultMaxRetries
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.QuarantineAmnesty == 0 {
		cfg.QuarantineAmnesty = DefaultQuarantineAmnesty
	}
	if cfg.StatsLogInterval == 0 {
		cfg.StatsLogInterval = DefaultStatsLogInterval
	}

	for name, netCfg := range cfg.Networks {
		if netCfg.RateBurst == 0 {
			netCfg.RateBurst = DefaultRateBurst
		}
		cfg.Networks[name] = netCfg
	}
}

// Validate checks the configuration for errors
func Validate(cfg *Config) error {
	if len(cfg.Networks) == 0 {
		return errors.New("at least one network is required")
	}

	for name, netCfg := range cfg.Networks {
		if name == "" {
			return errors.New("network name must not be empty")
		}

		if len(netCfg.Endpoints) < MinEndpointsPerNetwork {
			return fmt.Errorf("network '%s': at least %d endpoints are required", name, MinEndpointsPerNetwork)
		}

		seen := make(map[string]bool)
		for i, endpoint := range netCfg.Endpoints {
			u, err := url.Parse(endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("network '%s', endpoint[%d]: must be an http(s) URL", name, i)
			}
			if seen[endpoint] {
				return fmt.Errorf("network '%s': duplicate endpoint '%s'", name, endpoint)
			}
			seen[endpoint] = true
		}

		if netCfg.RateLimit < 0 {
			return fmt.Errorf("network '%s': rateLimit must be non-negative", name)
		}
		if netCfg.RateBurst < 0 {
			return fmt.Errorf("network '%s': rateBurst must be non-negative", name)
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("maxConcurrency must be positive")
	}
	if cfg.MaxBatchSize < 1 {
		return fmt.Errorf("maxBatchSize must be positive")
	}
	if cfg.BatchTimeout < 0 {
		return fmt.Errorf("batchTimeout must be non-negative")
	}
	if cfg.ConnectionTimeout < 0 {
		return fmt.Errorf("connectionTimeout must be non-negative")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be non-negative")
	}
	if cfg.RetryDelay < 0 {
		return fmt.Errorf("retryDelay must be non-negative")
	}
	if cfg.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be at least 1")
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("poolSize must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.QuarantineAmnesty < 0 {
		return fmt.Errorf("quarantineAmnesty must be non-negative")
	}

	for typeName, typeCfg := range cfg.Cache {
		if typeCfg.TTL < 0 {
			return fmt.Errorf("cache.%s.ttl must be non-negative", typeName)
		}
		if typeCfg.MaxSize < 0 {
			return fmt.Errorf("cache.%s.maxSize must be non-negative", typeName)
		}
	}

	return nil
}
