package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rpcgate/internal/cache"
	"rpcgate/internal/proxy"
	"rpcgate/internal/upstream"
)

// Option configures a Service
type Option func(*options)

type options struct {
	transport  upstream.Transport
	registerer prometheus.Registerer
	now        func() time.Time
	sleep      proxy.SleepFunc
}

// WithTransport replaces the HTTP transport used for wire calls
func WithTransport(t upstream.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithRegisterer registers the Prometheus collectors on r
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithClock sets the time source of the cache and the endpoint pools
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRetrySleep replaces the wait between retry attempts
func WithRetrySleep(sleep proxy.SleepFunc) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// CallOption configures a single Call
type CallOption func(*callOptions)

type callOptions struct {
	cache     bool
	cacheType cache.Type
	batch     bool
}

func defaultCallOptions() callOptions {
	return callOptions{
		cacheType: cache.TypeRPC,
		batch:     true,
	}
}

// WithCache caches the result under the rpc cache type
func WithCache() CallOption {
	return func(o *callOptions) {
		o.cache = true
	}
}

// WithCacheType caches the result under t
func WithCacheType(t cache.Type) CallOption {
	return func(o *callOptions) {
		o.cache = true
		o.cacheType = t
	}
}

// WithoutBatch sends the request on its own instead of through the coalescer
func WithoutBatch() CallOption {
	return func(o *callOptions) {
		o.batch = false
	}
}
