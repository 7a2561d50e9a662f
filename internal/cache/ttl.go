package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"rpcgate/internal/config"
	"rpcgate/internal/rpcerr"
)

// evictFraction is the share of a full type removed by one eviction pass
const evictFraction = 0.1

// entry is a cached value with its creation time and expiry handle
type entry struct {
	key       string
	value     interface{}
	createdAt time.Time
	ttl       time.Duration
	typ       Type
	timer     *time.Timer
}

func (e *entry) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Option configures a TTLCache
type Option func(*TTLCache)

// WithClock replaces the time source used for createdAt and expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		c.now = now
	}
}

// WithObserver reports hits and misses to o
func WithObserver(o Observer) Option {
	return func(c *TTLCache) {
		c.observer = o
	}
}

// TTLCache is an in-memory cache partitioned by Type. Each partition has its
// own TTL and capacity; a full partition drops its oldest tenth on insert.
type TTLCache struct {
	mu       sync.Mutex
	configs  [numTypes]TypeConfig
	stores   [numTypes]*lru.Cache[string, *entry]
	now      func() time.Time
	observer Observer
	logger   zerolog.Logger
	closed   bool
}

// New creates a TTLCache. Types missing from overrides keep their defaults.
func New(overrides map[Type]TypeConfig, logger zerolog.Logger, opts ...Option) *TTLCache {
	c := &TTLCache{
		configs: defaultConfigs,
		now:     time.Now,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for t, cfg := range overrides {
		if t.Valid() {
			c.configs[t] = mergeConfig(c.configs[t], cfg)
		}
	}

	for t := Type(0); t < numTypes; t++ {
		c.stores[t] = c.newStore(c.configs[t].MaxSize)
	}

	return c
}

// ConfigsFromConfig converts the cache section of the file configuration
func ConfigsFromConfig(raw map[string]config.CacheTypeConfig) (map[Type]TypeConfig, error) {
	configs := make(map[Type]TypeConfig, len(raw))
	for name, rawCfg := range raw {
		t, err := ParseType(name)
		if err != nil {
			return nil, err
		}
		configs[t] = TypeConfig{
			TTL:     rawCfg.GetTTLDuration(),
			MaxSize: rawCfg.MaxSize,
		}
	}
	return configs, nil
}

func mergeConfig(base, override TypeConfig) TypeConfig {
	if override.TTL > 0 {
		base.TTL = override.TTL
	}
	if override.MaxSize > 0 {
		base.MaxSize = override.MaxSize
	}
	return base
}

func (c *TTLCache) newStore(size int) *lru.Cache[string, *entry] {
	// the store is never filled past size by Set, so the library only
	// evicts on its own when Configure shrinks a type
	store, err := lru.NewWithEvict[string, *entry](size, func(_ string, e *entry) {
		e.stop()
	})
	if err != nil {
		panic(fmt.Sprintf("cache: invalid store size %d: %v", size, err))
	}
	return store
}

// Get returns the value stored under the key built from keyParts.
// Expired entries are removed and reported as a miss.
func (c *TTLCache) Get(t Type, keyParts ...interface{}) (value interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", t.String()).Msg("cache get failed")
			value, ok = nil, false
		}
	}()

	if !t.Valid() {
		c.logger.Warn().Int("type", int(t)).Msg("unknown cache type")
		return nil, false
	}

	key := Key(t, keyParts...)

	value, ok = c.lookup(t, key)
	if c.observer != nil {
		if ok {
			c.observer.CacheHit(t.String())
		} else {
			c.observer.CacheMiss(t.String())
		}
	}
	return value, ok
}

func (c *TTLCache) lookup(t Type, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.stores[t].Peek(key)
	if !ok {
		return nil, false
	}

	if c.now().Sub(e.createdAt) > e.ttl {
		c.stores[t].Remove(key)
		return nil, false
	}

	return e.value, true
}

// Set stores value under the key built from keyParts with the TTL of t.
// It returns false for an unknown type or a closed cache.
func (c *TTLCache) Set(t Type, value interface{}, keyParts ...interface{}) (stored bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", t.String()).Msg("cache set failed")
			stored = false
		}
	}()

	if !t.Valid() {
		c.logger.Warn().Int("type", int(t)).Msg("unknown cache type")
		return false
	}

	key := Key(t, keyParts...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	store := c.stores[t]
	cfg := c.configs[t]

	if old, exists := store.Peek(key); exists {
		old.stop()
	} else if store.Len() >= cfg.MaxSize {
		c.evictLocked(t)
	}

	e := &entry{
		key:       key,
		value:     value,
		createdAt: c.now(),
		ttl:       cfg.TTL,
		typ:       t,
	}
	e.timer = time.AfterFunc(cfg.TTL, func() {
		c.expire(e)
	})
	store.Add(key, e)

	return true
}

// evictLocked removes the oldest tenth (at least one) of the entries of t
func (c *TTLCache) evictLocked(t Type) {
	store := c.stores[t]
	entries := store.Values()
	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	n := int(float64(len(entries)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, e := range entries[:n] {
		store.Remove(e.key)
	}

	c.logger.Debug().
		Str("type", t.String()).
		Int("evicted", n).
		Int("remaining", store.Len()).
		Msg("cache type full, evicted oldest entries")
}

// expire is the proactive deletion scheduled by Set
func (c *TTLCache) expire(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// the key may have been overwritten since the timer was armed
	if current, ok := c.stores[e.typ].Peek(e.key); ok && current == e {
		c.stores[e.typ].Remove(e.key)
	}
}

// Delete removes the entry stored under a canonical key
func (c *TTLCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, store := range c.stores {
		if store.Remove(key) {
			return true
		}
	}
	return false
}

// Clear removes every entry
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, store := range c.stores {
		store.Purge()
	}
}

// ClearType removes every entry of t
func (c *TTLCache) ClearType(t Type) {
	if !t.Valid() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stores[t].Purge()
}

// Configure replaces the TTL and capacity of t. Existing entries keep the TTL
// they were stored with.
func (c *TTLCache) Configure(t Type, cfg TypeConfig) error {
	if !t.Valid() {
		return rpcerr.UnknownCacheType(strconv.Itoa(int(t)))
	}
	if cfg.TTL <= 0 || cfg.MaxSize <= 0 {
		return fmt.Errorf("cache type %s: ttl and maxSize must be positive", t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.configs[t] = cfg
	if c.stores[t].Len() > cfg.MaxSize {
		c.evictToLocked(t, cfg.MaxSize)
	}
	c.stores[t].Resize(cfg.MaxSize)

	return nil
}

// evictToLocked drops the oldest entries of t until at most size remain
func (c *TTLCache) evictToLocked(t Type, size int) {
	store := c.stores[t]
	entries := store.Values()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	for _, e := range entries[:len(entries)-size] {
		store.Remove(e.key)
	}
}

// Config returns the current TTL and capacity of t
func (c *TTLCache) Config(t Type) TypeConfig {
	if !t.Valid() {
		return TypeConfig{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.configs[t]
}

// Stats returns entry counts by type and a rough memory estimate
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Entries: make(map[string]int, numTypes),
	}
	for t, store := range c.stores {
		stats.Entries[Type(t).String()] = store.Len()
		stats.TotalEntries += store.Len()
		for _, e := range store.Values() {
			stats.MemoryBytes += estimateSize(e)
		}
	}
	return stats
}

// estimateSize approximates the footprint of an entry from its key and
// the JSON form of its value
func estimateSize(e *entry) int64 {
	size := int64(len(e.key))
	switch v := e.value.(type) {
	case []byte:
		size += int64(len(v))
	case json.RawMessage:
		size += int64(len(v))
	case string:
		size += int64(len(v))
	default:
		if data, err := json.Marshal(v); err == nil {
			size += int64(len(data))
		}
	}
	return size * 2
}

// Close stops every expiry timer and drops all entries.
// Set is a no-op afterwards.
func (c *TTLCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, store := range c.stores {
		store.Purge()
	}
}

// GetAs is Get with a type assertion on the stored value
func GetAs[T any](c Cache, t Type, keyParts ...interface{}) (T, bool) {
	var zero T
	value, ok := c.Get(t, keyParts...)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
