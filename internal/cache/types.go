package cache

import (
	"time"

	"rpcgate/internal/rpcerr"
)

// Type identifies a cache partition. Every type carries its own TTL and
// capacity, and eviction never crosses partitions.
type Type int

const (
	TypeRoutes Type = iota
	TypePools
	TypePrices
	TypeRPC
	TypeExistence
	TypeTokenMetadata
	TypeGasPrice

	numTypes
)

// TypeConfig is the TTL and capacity of one cache type
type TypeConfig struct {
	TTL     time.Duration
	MaxSize int
}

var typeNames = [numTypes]string{
	TypeRoutes:        "routes",
	TypePools:         "pools",
	TypePrices:        "prices",
	TypeRPC:           "rpc",
	TypeExistence:     "existence",
	TypeTokenMetadata: "token-metadata",
	TypeGasPrice:      "gas-price",
}

var defaultConfigs = [numTypes]TypeConfig{
	TypeRoutes:        {TTL: 5 * time.Minute, MaxSize: 1000},
	TypePools:         {TTL: 2 * time.Minute, MaxSize: 500},
	TypePrices:        {TTL: time.Minute, MaxSize: 200},
	TypeRPC:           {TTL: 30 * time.Second, MaxSize: 1000},
	TypeExistence:     {TTL: 10 * time.Minute, MaxSize: 500},
	TypeTokenMetadata: {TTL: 24 * time.Hour, MaxSize: 1000},
	TypeGasPrice:      {TTL: 30 * time.Second, MaxSize: 100},
}

// String returns the type name used in keys, config and metrics
func (t Type) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return typeNames[t]
}

// Valid reports whether t is one of the recognized types
func (t Type) Valid() bool {
	return t >= 0 && t < numTypes
}

// DefaultConfig returns the built-in TTL and capacity of t
func (t Type) DefaultConfig() TypeConfig {
	if !t.Valid() {
		return TypeConfig{}
	}
	return defaultConfigs[t]
}

// Types returns every recognized type
func Types() []Type {
	types := make([]Type, 0, numTypes)
	for t := Type(0); t < numTypes; t++ {
		types = append(types, t)
	}
	return types
}

// ParseType maps a type name to its Type
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return Type(t), nil
		}
	}
	return -1, rpcerr.UnknownCacheType(name)
}

// Cache is the contract offered to collaborators: get and set by type and key
// parts, with the TTL implied by the type. A miss is always recoverable by
// asking the network again.
type Cache interface {
	// Get returns the cached value and true on a fresh hit
	Get(t Type, keyParts ...interface{}) (interface{}, bool)

	// Set stores value under the key built from keyParts.
	// It reports false when the value was not stored.
	Set(t Type, value interface{}, keyParts ...interface{}) bool
}

// Observer receives hit and miss notifications
type Observer interface {
	CacheHit(cacheType string)
	CacheMiss(cacheType string)
}

// Stats describes the cache content
type Stats struct {
	Entries      map[string]int `json:"entries"`
	TotalEntries int            `json:"totalEntries"`
	MemoryBytes  int64          `json:"memoryBytes"`
}
