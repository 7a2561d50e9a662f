package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/rpcerr"
)

// Coalescer merges requests issued to the same network within a short window
// into one wire batch. A window is flushed when its timer fires or when it
// reaches the maximum batch size, whichever comes first.
type Coalescer struct {
	executor BatchExecutor
	config   Config
	stats    *metrics.Recorder
	logger   zerolog.Logger

	mu      sync.Mutex
	windows map[string]*window
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Coalescer. stats may be nil.
func New(executor BatchExecutor, cfg Config, stats *metrics.Recorder, logger zerolog.Logger) *Coalescer {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}
	return &Coalescer{
		executor: executor,
		config:   cfg,
		stats:    stats,
		logger:   logger.With().Str("component", "batcher").Logger(),
		windows:  make(map[string]*window),
	}
}

// Enqueue adds a request to the open window of network and returns the
// channel its result will be delivered on
func (c *Coalescer) Enqueue(network, method string, params json.RawMessage) <-chan Result {
	p := &pending{
		method: method,
		params: params,
		result: make(chan Result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.settle(Result{Err: ErrClosed})
		return p.result
	}

	w := c.windows[network]
	if w == nil {
		w = &window{network: network}
		w.timer = time.AfterFunc(c.config.Timeout, func() {
			c.onTimeout(w)
		})
		c.windows[network] = w
	}
	w.entries = append(w.entries, p)

	var full *window
	if len(w.entries) >= c.config.MaxBatchSize {
		full = c.detachLocked(w)
	}
	c.mu.Unlock()

	if full != nil {
		go c.send(full)
	}

	return p.result
}

// onTimeout flushes w unless it was already flushed by size or explicitly
func (c *Coalescer) onTimeout(w *window) {
	c.mu.Lock()
	if c.windows[w.network] != w {
		c.mu.Unlock()
		return
	}
	detached := c.detachLocked(w)
	c.mu.Unlock()

	c.send(detached)
}

// detachLocked removes w from the open windows. The next Enqueue for the
// network opens a fresh window.
func (c *Coalescer) detachLocked(w *window) *window {
	w.timer.Stop()
	delete(c.windows, w.network)
	c.wg.Add(1)
	return w
}

// Flush sends the open window of network now and waits for it to settle
func (c *Coalescer) Flush(network string) {
	c.mu.Lock()
	w := c.windows[network]
	if w == nil {
		c.mu.Unlock()
		return
	}
	detached := c.detachLocked(w)
	c.mu.Unlock()

	c.send(detached)
}

// Pending returns the number of requests waiting in open windows
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, w := range c.windows {
		n += len(w.entries)
	}
	return n
}

// Close flushes every open window and waits until all batches have settled
// or ctx is done. Requests enqueued afterwards fail with ErrClosed.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	detached := make([]*window, 0, len(c.windows))
	for _, w := range c.windows {
		detached = append(detached, c.detachLocked(w))
	}
	c.mu.Unlock()

	for _, w := range detached {
		go c.send(w)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send issues one wire batch for w and settles every entry
func (c *Coalescer) send(w *window) {
	defer c.wg.Done()

	requests := make([]*jsonrpc.Request, len(w.entries))
	for i, p := range w.entries {
		requests[i] = jsonrpc.NewRequest(jsonrpc.NewIDInt(int64(i)), p.method, p.params)
	}

	c.logger.Debug().
		Str("network", w.network).
		Int("requests", len(requests)).
		Msg("executing batch")

	c.stats.RecordBatched(w.network, len(requests))

	responses, err := c.executor.ExecuteBatch(context.Background(), w.network, requests)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("network", w.network).
			Int("requests", len(requests)).
			Msg("batch failed")
		c.rejectAll(w, err)
		return
	}

	byID, err := matchResponses(w.network, len(requests), responses)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("network", w.network).
			Int("requests", len(requests)).
			Int("responses", len(responses)).
			Msg("batch response does not match request ids")
		c.rejectAll(w, err)
		return
	}

	for i, p := range w.entries {
		resp := byID[i]
		if resp.HasError() {
			p.settle(Result{Err: rpcerr.NewProtocolError(resp.Error)})
			continue
		}
		p.settle(Result{Value: resp.Result})
	}
}

func (c *Coalescer) rejectAll(w *window, err error) {
	for _, p := range w.entries {
		p.settle(Result{Err: err})
	}
}

// matchResponses orders responses by the ids 0..n-1 they answer. Missing,
// unknown or duplicate ids and entries without result or error fail the
// whole batch.
func matchResponses(network string, n int, responses []*jsonrpc.Response) ([]*jsonrpc.Response, error) {
	byID := make([]*jsonrpc.Response, n)
	for _, resp := range responses {
		if resp == nil {
			return nil, &rpcerr.BatchFormatError{Network: network, Reason: "null entry in response"}
		}
		id, ok := resp.ID.Int64()
		if !ok || id < 0 || id >= int64(n) {
			return nil, &rpcerr.BatchFormatError{Network: network, Reason: fmt.Sprintf("unknown id %v", resp.ID.Value())}
		}
		if byID[id] != nil {
			return nil, &rpcerr.BatchFormatError{Network: network, Reason: fmt.Sprintf("duplicate id %d", id)}
		}
		if resp.IsEmpty() {
			return nil, &rpcerr.BatchFormatError{Network: network, Reason: fmt.Sprintf("id %d has neither result nor error", id)}
		}
		byID[id] = resp
	}

	for id, resp := range byID {
		if resp == nil {
			return nil, &rpcerr.BatchFormatError{Network: network, Reason: fmt.Sprintf("missing id %d", id)}
		}
	}

	return byID, nil
}
