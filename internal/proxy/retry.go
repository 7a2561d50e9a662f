package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/config"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/rpcerr"
	"rpcgate/internal/upstream"
)

// PoolProvider returns the endpoint pool of a network
type PoolProvider interface {
	Get(network string) (*upstream.EndpointPool, error)
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// RetryConfigFromConfig extracts the retry settings of cfg
func RetryConfigFromConfig(cfg *config.Config) RetryConfig {
	return RetryConfig{
		MaxRetries:        cfg.MaxRetries,
		InitialDelay:      cfg.GetRetryDelayDuration(),
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// Delay returns the wait after the failed attempt with the given 0-based index
func (c RetryConfig) Delay(attempt int) time.Duration {
	return time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt)))
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Executor
type Option func(*Executor)

// WithSleep replaces the backoff wait
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRecorder counts retries on r
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Executor) {
		e.stats = r
	}
}

// Executor executes wire calls with bounded retries. Only transport failures
// are retried; a JSON-RPC error object from a node is returned as-is.
type Executor struct {
	pools     PoolProvider
	transport upstream.Transport
	config    RetryConfig
	stats     *metrics.Recorder
	sleep     SleepFunc
	logger    zerolog.Logger
}

// NewExecutor creates a new Executor
func NewExecutor(pools PoolProvider, transport upstream.Transport, cfg RetryConfig, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		pools:     pools,
		transport: transport,
		config:    cfg,
		sleep:     sleepContext,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends a single request and returns its result
func (e *Executor) Execute(ctx context.Context, network, method string, params json.RawMessage) (json.RawMessage, error) {
	req := jsonrpc.NewRequest(jsonrpc.NewIDInt(1), method, params)

	var result json.RawMessage
	err := e.withRetry(ctx, network, func(ctx context.Context, endpoint string) error {
		resp, err := e.transport.Call(ctx, network, endpoint, req)
		if err != nil {
			return err
		}
		if resp.HasError() {
			e.logger.Debug().
				Str("network", network).
				Str("endpoint", endpoint).
				Str("method", method).
				Int("errorCode", resp.Error.Code).
				Str("errorMessage", resp.Error.Message).
				Msg("RPC error response")
			return rpcerr.NewProtocolError(resp.Error)
		}
		result = resp.Result
		return nil
	}, method)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ExecuteBatch sends requests as one wire batch with the same retry policy
func (e *Executor) ExecuteBatch(ctx context.Context, network string, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	var responses []*jsonrpc.Response
	err := e.withRetry(ctx, network, func(ctx context.Context, endpoint string) error {
		var err error
		responses, err = e.transport.CallBatch(ctx, network, endpoint, requests)
		return err
	}, fmt.Sprintf("batch(%d)", len(requests)))
	if err != nil {
		return nil, err
	}

	return responses, nil
}

// withRetry runs attempt up to MaxRetries+1 times, each time on the endpoint
// handed out by the network's pool
func (e *Executor) withRetry(ctx context.Context, network string, attempt func(context.Context, string) error, label string) error {
	pool, err := e.pools.Get(network)
	if err != nil {
		return err
	}

	maxAttempts := e.config.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := pool.Wait(ctx); err != nil {
			return e.abort(err, lastErr)
		}

		slot, endpoint := pool.Acquire()

		err := attempt(ctx, endpoint)
		if err == nil {
			if i > 0 {
				e.logger.Debug().
					Str("network", network).
					Str("endpoint", endpoint).
					Int("attempt", i+1).
					Msg("request succeeded after retry")
			}
			return nil
		}

		if !rpcerr.IsRetryable(err) {
			return err
		}

		lastErr = err
		pool.MarkFailed(endpoint)
		slot.RecordError()
		e.stats.RecordRetry(network)

		if ctx.Err() != nil {
			return e.abort(ctx.Err(), lastErr)
		}

		if i == maxAttempts-1 {
			break
		}

		delay := e.config.Delay(i)
		e.logger.Warn().
			Int("attempt", i+1).
			Int("maxAttempts", maxAttempts).
			Err(err).
			Str("network", network).
			Str("endpoint", endpoint).
			Dur("backoff", delay).
			Str("request", label).
			Msg("request failed, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return e.abort(err, lastErr)
		}
	}

	e.logger.Error().
		Int("attempts", maxAttempts).
		Err(lastErr).
		Str("network", network).
		Str("request", label).
		Msg("all retry attempts failed")

	return fmt.Errorf("%w: %w", rpcerr.ErrRetriesExhausted, lastErr)
}

// abort builds the error returned when the caller's context ends mid-retry
func (e *Executor) abort(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return errors.Join(ctxErr, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
