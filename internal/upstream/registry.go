package upstream

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/config"
	"rpcgate/internal/rpcerr"
)

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock sets the time source handed to every pool
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry builds one EndpointPool per network on first use
type Registry struct {
	cfg    *config.Config
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	pools map[string]*EndpointPool
}

// NewRegistry creates a registry over the networks of cfg
func NewRegistry(cfg *config.Config, logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "pool").Logger(),
		pools:  make(map[string]*EndpointPool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Has reports whether network has a configured endpoint list
func (r *Registry) Has(network string) bool {
	netCfg, ok := r.cfg.Networks[network]
	return ok && len(netCfg.Endpoints) > 0
}

// Get returns the pool of network, building it if needed
func (r *Registry) Get(network string) (*EndpointPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[network]; ok {
		return p, nil
	}

	netCfg, ok := r.cfg.Networks[network]
	if !ok || len(netCfg.Endpoints) == 0 {
		return nil, rpcerr.UnknownNetwork(network)
	}

	p := NewEndpointPool(PoolConfig{
		Network:   network,
		Endpoints: netCfg.Endpoints,
		PoolSize:  r.cfg.PoolSize,
		Amnesty:   r.cfg.GetQuarantineAmnestyDuration(),
		RateLimit: netCfg.RateLimit,
		RateBurst: netCfg.RateBurst,
		Now:       r.now,
	}, r.logger)
	r.pools[network] = p

	r.logger.Info().
		Str("network", network).
		Int("endpoints", len(netCfg.Endpoints)).
		Int("slots", r.cfg.PoolSize).
		Msg("endpoint pool created")

	return p, nil
}

// Reset drops every pool; they are rebuilt on next use
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pools = make(map[string]*EndpointPool)
}

// Stats returns the stats of every pool built so far, ordered by network
func (r *Registry) Stats() []PoolStats {
	r.mu.Lock()
	pools := make([]*EndpointPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Network() < pools[j].Network()
	})

	stats := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	return stats
}
