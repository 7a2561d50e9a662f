package upstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rpcgate/internal/balancer"
)

// Slot is a logical usage-tracking handle, not a live socket
type Slot struct {
	pool         *EndpointPool
	id           int
	endpoint     string
	lastUsedAt   time.Time
	requestCount uint64
	errorCount   uint64
}

// ID returns the slot index within its pool
func (s *Slot) ID() int {
	return s.id
}

// RecordError counts a failed wire attempt made through the slot
func (s *Slot) RecordError() {
	s.pool.mu.Lock()
	s.errorCount++
	s.pool.mu.Unlock()
}

// PoolConfig holds the settings of an EndpointPool
type PoolConfig struct {
	Network   string
	Endpoints []string
	PoolSize  int
	Amnesty   time.Duration // quarantine is cleared unconditionally this often
	RateLimit float64
	RateBurst int
	Now       func() time.Time
}

// EndpointPool rotates over the endpoints of one network, quarantining the
// ones that failed at the transport level
type EndpointPool struct {
	network   string
	endpoints []string
	amnesty   time.Duration
	now       func() time.Time
	limiter   *rate.Limiter
	balancer  *balancer.RoundRobin
	logger    zerolog.Logger

	mu            sync.Mutex
	quarantined   map[string]bool
	lastAmnestyAt time.Time
	slots         []*Slot
}

// NewEndpointPool creates a pool. cfg.Endpoints must not be empty.
func NewEndpointPool(cfg PoolConfig, logger zerolog.Logger) *EndpointPool {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	endpoints := make([]string, len(cfg.Endpoints))
	copy(endpoints, cfg.Endpoints)

	p := &EndpointPool{
		network:       cfg.Network,
		endpoints:     endpoints,
		amnesty:       cfg.Amnesty,
		now:           now,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger.With().Str("network", cfg.Network).Logger(),
		quarantined:   make(map[string]bool),
		lastAmnestyAt: now(),
	}
	p.balancer = balancer.NewRoundRobin(balancer.Static(endpoints))

	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	p.slots = make([]*Slot, size)
	for i := range p.slots {
		p.slots[i] = &Slot{
			pool:     p,
			id:       i,
			endpoint: endpoints[i%len(endpoints)],
		}
	}

	return p
}

// Network returns the network name
func (p *EndpointPool) Network() string {
	return p.network
}

// Endpoints returns the configured endpoints
func (p *EndpointPool) Endpoints() []string {
	result := make([]string, len(p.endpoints))
	copy(result, p.endpoints)
	return result
}

// NextEndpoint returns the next endpoint that is not quarantined.
// When every endpoint is quarantined the quarantine is lifted and the first
// endpoint is returned, so callers are never starved.
func (p *EndpointPool) NextEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.applyAmnestyLocked()

	if endpoint := p.balancer.Next(p.quarantined); endpoint != "" {
		return endpoint
	}

	p.logger.Warn().
		Int("quarantined", len(p.quarantined)).
		Msg("all endpoints quarantined, releasing quarantine")
	p.quarantined = make(map[string]bool)

	return p.endpoints[0]
}

func (p *EndpointPool) applyAmnestyLocked() {
	if p.amnesty <= 0 {
		return
	}
	now := p.now()
	if now.Sub(p.lastAmnestyAt) < p.amnesty {
		return
	}
	if len(p.quarantined) > 0 {
		p.logger.Info().
			Int("released", len(p.quarantined)).
			Msg("quarantine amnesty")
		p.quarantined = make(map[string]bool)
	}
	p.lastAmnestyAt = now
}

// MarkFailed quarantines endpoint until the next amnesty
func (p *EndpointPool) MarkFailed(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quarantined[endpoint] {
		return
	}
	p.quarantined[endpoint] = true

	p.logger.Warn().
		Str("endpoint", endpoint).
		Int("quarantined", len(p.quarantined)).
		Int("endpoints", len(p.endpoints)).
		Msg("endpoint quarantined")
}

// IsQuarantined reports whether endpoint is currently quarantined
func (p *EndpointPool) IsQuarantined(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined[endpoint]
}

// GetSlot returns the least recently used slot and marks it used
func (p *EndpointPool) GetSlot() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.takeSlotLocked()
}

func (p *EndpointPool) takeSlotLocked() *Slot {
	oldest := p.slots[0]
	for _, s := range p.slots[1:] {
		if s.lastUsedAt.Before(oldest.lastUsedAt) {
			oldest = s
		}
	}
	oldest.lastUsedAt = p.now()
	oldest.requestCount++
	return oldest
}

// Acquire takes the least recently used slot and binds it to the next
// available endpoint
func (p *EndpointPool) Acquire() (*Slot, string) {
	endpoint := p.NextEndpoint()

	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.takeSlotLocked()
	slot.endpoint = endpoint
	return slot, endpoint
}

// Wait blocks until the network's rate limit allows another wire call
func (p *EndpointPool) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Stats returns slot usage and quarantine state
func (p *EndpointPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Network:     p.network,
		Endpoints:   len(p.endpoints),
		Quarantined: make([]string, 0, len(p.quarantined)),
		Slots:       make([]SlotStats, 0, len(p.slots)),
	}
	for endpoint := range p.quarantined {
		stats.Quarantined = append(stats.Quarantined, endpoint)
	}
	sort.Strings(stats.Quarantined)

	for _, s := range p.slots {
		stats.Slots = append(stats.Slots, SlotStats{
			ID:           s.id,
			Endpoint:     s.endpoint,
			LastUsedAt:   s.lastUsedAt,
			RequestCount: s.requestCount,
			ErrorCount:   s.errorCount,
		})
		stats.TotalRequests += s.requestCount
		stats.TotalErrors += s.errorCount
	}

	return stats
}
