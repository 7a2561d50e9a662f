package config

import (
	"sort"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	Host              string                     `json:"host" yaml:"host"`
	Port              int                        `json:"port" yaml:"port"`
	LogLevel          string                     `json:"logLevel" yaml:"logLevel"`
	MaxBodySize       int64                      `json:"maxBodySize" yaml:"maxBodySize"`       // bytes, negative disables
	MaxConcurrency    int                        `json:"maxConcurrency" yaml:"maxConcurrency"` // per client request
	MaxBatchSize      int                        `json:"maxBatchSize" yaml:"maxBatchSize"`
	BatchTimeout      int                        `json:"batchTimeout" yaml:"batchTimeout"`           // ms
	ConnectionTimeout int                        `json:"connectionTimeout" yaml:"connectionTimeout"` // ms
	MaxRetries        int                        `json:"maxRetries" yaml:"-"`
	RetryDelay        int                        `json:"retryDelay" yaml:"retryDelay"`               // ms
	BackoffMultiplier float64                    `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	PoolSize          int                        `json:"poolSize" yaml:"poolSize"`
	RequestTimeout    int                        `json:"requestTimeout" yaml:"requestTimeout"`       // ms
	QuarantineAmnesty int                        `json:"quarantineAmnesty" yaml:"quarantineAmnesty"` // ms
	StatsLogInterval  int                        `json:"statsLogInterval" yaml:"statsLogInterval"`   // ms, negative disables
	Cache             map[string]CacheTypeConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
	Networks          map[string]NetworkConfig   `json:"networks" yaml:"networks"`
}

// CacheTypeConfig overrides the defaults of a single cache type
type CacheTypeConfig struct {
	TTL     int `json:"ttl" yaml:"ttl"` // ms
	MaxSize int `json:"maxSize" yaml:"maxSize"`
}

// NetworkConfig describes the endpoints of one network
type NetworkConfig struct {
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
	RateLimit float64  `json:"rateLimit" yaml:"rateLimit"` // requests per second, 0 means unlimited
	RateBurst int      `json:"rateBurst" yaml:"rateBurst"`
}

// Default values
const (
	DefaultHost              = "localhost"
	DefaultPort              = 8545
	DefaultLogLevel          = "info"
	DefaultMaxBodySize       = int64(10 * 1024 * 1024)
	DefaultMaxConcurrency    = 32
	DefaultMaxBatchSize      = 10
	DefaultBatchTimeout      = 100   // ms
	DefaultConnectionTimeout = 10000 // ms
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 500 // ms
	DefaultBackoffMultiplier = 2.0
	DefaultPoolSize          = 5
	DefaultRequestTimeout    = 30000  // ms
	DefaultQuarantineAmnesty = 300000 // ms - quarantined endpoints are released every 5 minutes
	DefaultStatsLogInterval  = 60000  // ms
	DefaultRateBurst         = 1
	MinEndpointsPerNetwork   = 2
)

// Default returns a configuration with every default applied and no networks
func Default() *Config {
	cfg := &Config{
		MaxRetries: DefaultMaxRetries,
		Networks:   make(map[string]NetworkConfig),
	}
	applyDefaults(cfg)
	return cfg
}

// GetBatchTimeoutDuration returns batch timeout as time.Duration
func (c *Config) GetBatchTimeoutDuration() time.Duration {
	return time.Duration(c.BatchTimeout) * time.Millisecond
}

// GetConnectionTimeoutDuration returns connection timeout as time.Duration
func (c *Config) GetConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Millisecond
}

// GetRetryDelayDuration returns the initial retry delay as time.Duration
func (c *Config) GetRetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetQuarantineAmnestyDuration returns the quarantine amnesty window as time.Duration
func (c *Config) GetQuarantineAmnestyDuration() time.Duration {
	return time.Duration(c.QuarantineAmnesty) * time.Millisecond
}

// GetStatsLogIntervalDuration returns stats log interval as time.Duration
func (c *Config) GetStatsLogIntervalDuration() time.Duration {
	return time.Duration(c.StatsLogInterval) * time.Millisecond
}

// NetworkNames returns the configured network names in sorted order
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetTTLDuration returns the cache type TTL as time.Duration
func (c CacheTypeConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Millisecond
}
