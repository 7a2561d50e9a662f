// Package network composes the cache, deduplicator, batch coalescer and
// retry executor into the call surface used by business logic.
//
// A call flows through the deduplicator first, so identical concurrent calls
// share one outcome. The shared call reads the cache, then goes to the wire
// through the coalescer (or directly when batching is disabled) and finally
// populates the cache.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"rpcgate/internal/batcher"
	"rpcgate/internal/cache"
	"rpcgate/internal/config"
	"rpcgate/internal/dedup"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/proxy"
	"rpcgate/internal/rpcerr"
	"rpcgate/internal/upstream"
)

// Request is one entry of a BatchCall
type Request struct {
	Method string
	Params interface{}
}

// Result is the positional outcome of a BatchCall entry
type Result struct {
	Value json.RawMessage
	Err   error
}

// Stats is a diagnostic snapshot of the whole layer
type Stats struct {
	metrics.Stats
	Cache        cache.Stats          `json:"cache"`
	Pools        []upstream.PoolStats `json:"pools"`
	PendingBatch int                  `json:"pendingBatch"`
}

// Service is the network contract offered to collaborators
type Service struct {
	cfg       *config.Config
	cache     *cache.TTLCache
	pools     *upstream.Registry
	transport upstream.Transport
	executor  *proxy.Executor
	coalescer *batcher.Coalescer
	dedup     *dedup.Deduplicator
	stats     *metrics.Recorder
	now       func() time.Time
	logger    zerolog.Logger

	closeOnce sync.Once
}

// New builds a Service from cfg
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cacheConfigs, err := cache.ConfigsFromConfig(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	stats := metrics.NewRecorder(o.registerer)

	transport := o.transport
	if transport == nil {
		transport = upstream.NewHTTPTransport(cfg, logger)
	}

	pools := upstream.NewRegistry(cfg, logger, upstream.WithClock(o.now))

	execOpts := []proxy.Option{proxy.WithRecorder(stats)}
	if o.sleep != nil {
		execOpts = append(execOpts, proxy.WithSleep(o.sleep))
	}
	executor := proxy.NewExecutor(pools, transport, proxy.RetryConfigFromConfig(cfg), logger, execOpts...)

	s := &Service{
		cfg:       cfg,
		cache:     cache.New(cacheConfigs, logger, cache.WithClock(o.now), cache.WithObserver(stats)),
		pools:     pools,
		transport: transport,
		executor:  executor,
		coalescer: batcher.New(executor, batcher.ConfigFromConfig(cfg), stats, logger),
		dedup:     dedup.New(logger),
		stats:     stats,
		now:       o.now,
		logger:    logger.With().Str("component", "network").Logger(),
	}

	return s, nil
}

// Call performs one JSON-RPC call on network and returns its raw result.
// params may be nil, a json.RawMessage or any JSON-marshalable value.
// Concurrent calls join only when their cache options match, so a caching
// call never joins one whose result would not be stored.
func (s *Service) Call(ctx context.Context, network, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	if !s.pools.Has(network) {
		return nil, rpcerr.UnknownNetwork(network)
	}

	rawParams, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", method, err)
	}

	o := defaultCallOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s.stats.RecordRequest(network, method)
	start := s.now()

	key := dedup.Key(network, method, rawParams)
	if o.cache {
		key += "#" + o.cacheType.String()
	}
	result, joined, err := s.dedup.Do(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return s.fetch(ctx, network, method, rawParams, o)
	})

	if joined {
		s.stats.RecordDeduplicated(network, method)
	}
	s.stats.ObserveResponse(network, s.now().Sub(start))

	if err != nil {
		s.stats.RecordFailed(network, method)
		return nil, err
	}

	return result, nil
}

// fetch is the shared part of a call: cache, then wire, then cache again
func (s *Service) fetch(ctx context.Context, network, method string, params json.RawMessage, o callOptions) (json.RawMessage, error) {
	if o.cache {
		if cached, ok := cache.GetAs[json.RawMessage](s.cache, o.cacheType, network, method, params); ok {
			return cached, nil
		}
	}

	var result json.RawMessage
	var err error
	if o.batch {
		result, err = s.enqueue(ctx, network, method, params)
	} else {
		result, err = s.executor.Execute(ctx, network, method, params)
	}
	if err != nil {
		return nil, err
	}

	if o.cache {
		s.cache.Set(o.cacheType, result, network, method, params)
	}

	return result, nil
}

func (s *Service) enqueue(ctx context.Context, network, method string, params json.RawMessage) (json.RawMessage, error) {
	select {
	case res := <-s.coalescer.Enqueue(network, method, params):
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchCall issues every request through Call concurrently and returns the
// outcomes in request order
func (s *Service) BatchCall(ctx context.Context, network string, requests []Request, opts ...CallOption) ([]Result, error) {
	if !s.pools.Has(network) {
		return nil, rpcerr.UnknownNetwork(network)
	}

	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			value, err := s.Call(ctx, network, req.Method, req.Params, opts...)
			results[i] = Result{Value: value, Err: err}
		}(i, req)
	}
	wg.Wait()

	return results, nil
}

// Cache exposes the TTL cache to collaborators
func (s *Service) Cache() *cache.TTLCache {
	return s.cache
}

// HasNetwork reports whether network has configured endpoints
func (s *Service) HasNetwork(network string) bool {
	return s.pools.Has(network)
}

// Networks returns the configured network names
func (s *Service) Networks() []string {
	return s.cfg.NetworkNames()
}

// Stats returns a diagnostic snapshot
func (s *Service) Stats() Stats {
	return Stats{
		Stats:        s.stats.Snapshot(),
		Cache:        s.cache.Stats(),
		Pools:        s.pools.Stats(),
		PendingBatch: s.coalescer.Pending(),
	}
}

// Reset drops endpoint pools, cached entries and counters
func (s *Service) Reset() {
	s.pools.Reset()
	s.cache.Clear()
	s.stats.Reset()
	s.logger.Info().Msg("network state reset")
}

// LogStats logs a stats snapshot every interval until ctx is done
func (s *Service) LogStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Stats()
			s.logger.Info().
				Uint64("requests", stats.TotalRequests).
				Uint64("batched", stats.Batched).
				Uint64("deduplicated", stats.Deduplicated).
				Uint64("failed", stats.Failed).
				Uint64("retried", stats.Retried).
				Dur("avgResponseTime", stats.AvgResponseTime).
				Int("cacheEntries", stats.Cache.TotalEntries).
				Str("cacheMemory", humanize.Bytes(uint64(stats.Cache.MemoryBytes))).
				Msg("stats")
		}
	}
}

// Close flushes pending batches and releases the cache and connections
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.coalescer.Close(ctx)
		s.cache.Close()
		if closer, ok := s.transport.(interface{ Close() }); ok {
			closer.Close()
		}
		s.logger.Info().Msg("network service closed")
	})
	return err
}
