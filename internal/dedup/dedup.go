// Package dedup collapses identical in-flight calls into one.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"rpcgate/internal/jsonrpc"
)

// Producer performs the call shared by every waiter of a key
type Producer func(ctx context.Context) (json.RawMessage, error)

// Deduplicator joins callers that ask for the same key while a call for it
// is in flight. The entry is dropped when the call settles, whatever its
// outcome, so the next caller starts a fresh call.
type Deduplicator struct {
	group  singleflight.Group
	logger zerolog.Logger
}

// New creates a Deduplicator
func New(logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		logger: logger.With().Str("component", "dedup").Logger(),
	}
}

// Do returns the outcome of the in-flight call for key, starting producer if
// there is none. joined reports whether this caller attached to a call
// started by someone else.
//
// The producer does not inherit ctx cancellation: a caller whose ctx ends
// stops waiting, but the shared call runs to completion for the others.
func (d *Deduplicator) Do(ctx context.Context, key string, producer Producer) (result json.RawMessage, joined bool, err error) {
	var started atomic.Bool
	detached := context.WithoutCancel(ctx)

	ch := d.group.DoChan(key, func() (interface{}, error) {
		started.Store(true)
		return producer(detached)
	})

	select {
	case res := <-ch:
		joined = !started.Load()
		if joined {
			d.logger.Debug().Str("key", key).Msg("joined in-flight call")
		}
		if res.Err != nil {
			return nil, joined, res.Err
		}
		return res.Val.(json.RawMessage), joined, nil
	case <-ctx.Done():
		return nil, !started.Load(), ctx.Err()
	}
}

// Forget drops key so that the next caller starts a new call even if one
// is still in flight
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}

// Key builds the canonical key of a call. Params are canonicalized so that
// requests differing only in object key order or whitespace collapse; string
// case is significant.
func Key(network, method string, params json.RawMessage) string {
	hash := sha256.Sum256(jsonrpc.CanonicalParams(params))
	return network + ":" + method + ":" + hex.EncodeToString(hash[:])
}
