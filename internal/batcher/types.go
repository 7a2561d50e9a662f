package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rpcgate/internal/config"
	"rpcgate/internal/jsonrpc"
)

// ErrClosed is returned for requests enqueued after Close
var ErrClosed = errors.New("batch coalescer is closed")

// BatchExecutor sends one wire batch
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, network string, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error)
}

// Result settles one enqueued request
type Result struct {
	Value json.RawMessage
	Err   error
}

// Config holds the window limits
type Config struct {
	MaxBatchSize int
	Timeout      time.Duration
}

// ConfigFromConfig extracts the batching settings of cfg
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		MaxBatchSize: cfg.MaxBatchSize,
		Timeout:      cfg.GetBatchTimeoutDuration(),
	}
}

// pending is a request waiting in a window
type pending struct {
	method string
	params json.RawMessage
	result chan Result
}

func (p *pending) settle(r Result) {
	p.result <- r
}

// window collects the requests of one network until it is flushed
type window struct {
	network string
	entries []*pending
	timer   *time.Timer
}
