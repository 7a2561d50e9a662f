// Package metrics keeps the process-wide diagnostic counters of the RPC layer
// and mirrors them to Prometheus. Nothing in here is consulted for correctness.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is a snapshot of the counters
type Stats struct {
	TotalRequests   uint64        `json:"totalRequests"`
	Batched         uint64        `json:"batched"`
	Deduplicated    uint64        `json:"deduplicated"`
	Failed          uint64        `json:"failed"`
	Retried         uint64        `json:"retried"`
	CacheHits       uint64        `json:"cacheHits"`
	CacheMisses     uint64        `json:"cacheMisses"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
}

// Recorder collects request statistics. It is safe for concurrent use and a
// nil *Recorder ignores every call.
type Recorder struct {
	mu    sync.Mutex
	stats Stats

	requestsTotal     *prometheus.CounterVec
	batchedTotal      *prometheus.CounterVec
	deduplicatedTotal *prometheus.CounterVec
	failedTotal       *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	responseSeconds   *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewRecorder creates a recorder. Prometheus collectors are registered on
// registerer when it is not nil.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{}
	if registerer == nil {
		return r
	}

	factory := promauto.With(registerer)
	r.requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_requests_total",
		Help: "Total number of logical RPC calls",
	}, []string{"network", "method"})
	r.batchedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_batched_requests_total",
		Help: "Total number of requests sent inside coalesced batches",
	}, []string{"network"})
	r.deduplicatedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_deduplicated_total",
		Help: "Total number of calls that joined an in-flight identical call",
	}, []string{"network", "method"})
	r.failedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_failed_total",
		Help: "Total number of calls that ended in an error",
	}, []string{"network", "method"})
	r.retriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_retries_total",
		Help: "Total number of retried wire attempts",
	}, []string{"network"})
	r.responseSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpcgate_response_seconds",
		Help:    "Duration of logical RPC calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"network"})
	r.cacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"type"})
	r.cacheMisses = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rpcgate_cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"type"})

	return r
}

// RecordRequest counts a logical call
func (r *Recorder) RecordRequest(network, method string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.TotalRequests++
	r.mu.Unlock()
	if r.requestsTotal != nil {
		r.requestsTotal.WithLabelValues(network, method).Inc()
	}
}

// RecordBatched counts requests that left in a coalesced batch
func (r *Recorder) RecordBatched(network string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.mu.Lock()
	r.stats.Batched += uint64(count)
	r.mu.Unlock()
	if r.batchedTotal != nil {
		r.batchedTotal.WithLabelValues(network).Add(float64(count))
	}
}

// RecordDeduplicated counts a call that joined an in-flight call
func (r *Recorder) RecordDeduplicated(network, method string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Deduplicated++
	r.mu.Unlock()
	if r.deduplicatedTotal != nil {
		r.deduplicatedTotal.WithLabelValues(network, method).Inc()
	}
}

// RecordFailed counts a call that ended in an error
func (r *Recorder) RecordFailed(network, method string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()
	if r.failedTotal != nil {
		r.failedTotal.WithLabelValues(network, method).Inc()
	}
}

// RecordRetry counts one retried wire attempt
func (r *Recorder) RecordRetry(network string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.Retried++
	r.mu.Unlock()
	if r.retriesTotal != nil {
		r.retriesTotal.WithLabelValues(network).Inc()
	}
}

// ObserveResponse folds a call duration into the running average.
// The average is the coarse two-sample form (old+sample)/2; the histogram
// carries the real distribution.
func (r *Recorder) ObserveResponse(network string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.stats.AvgResponseTime == 0 {
		r.stats.AvgResponseTime = d
	} else {
		r.stats.AvgResponseTime = (r.stats.AvgResponseTime + d) / 2
	}
	r.mu.Unlock()
	if r.responseSeconds != nil {
		r.responseSeconds.WithLabelValues(network).Observe(d.Seconds())
	}
}

// CacheHit counts a cache hit for the given type
func (r *Recorder) CacheHit(cacheType string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.CacheHits++
	r.mu.Unlock()
	if r.cacheHits != nil {
		r.cacheHits.WithLabelValues(cacheType).Inc()
	}
}

// CacheMiss counts a cache miss for the given type
func (r *Recorder) CacheMiss(cacheType string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats.CacheMisses++
	r.mu.Unlock()
	if r.cacheMisses != nil {
		r.cacheMisses.WithLabelValues(cacheType).Inc()
	}
}

// Snapshot returns a copy of the current counters
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Reset zeroes the snapshot counters. Prometheus counters are monotonic and
// are left untouched.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.stats = Stats{}
	r.mu.Unlock()
}
