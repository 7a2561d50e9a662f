package upstream

import (
	"context"
	"time"

	"rpcgate/internal/jsonrpc"
)

// Transport sends JSON-RPC payloads to a single endpoint.
// Failures to obtain a parseable response are reported as *rpcerr.TransportError.
type Transport interface {
	// Call sends one request and returns the node's response, which may carry
	// a JSON-RPC error object
	Call(ctx context.Context, network, endpoint string, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// CallBatch sends requests as one JSON array and returns the array response
	CallBatch(ctx context.Context, network, endpoint string, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error)
}

// SlotStats is a snapshot of one connection slot
type SlotStats struct {
	ID           int       `json:"id"`
	Endpoint     string    `json:"endpoint"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
	RequestCount uint64    `json:"requestCount"`
	ErrorCount   uint64    `json:"errorCount"`
}

// PoolStats is a snapshot of an endpoint pool
type PoolStats struct {
	Network       string      `json:"network"`
	Endpoints     int         `json:"endpoints"`
	Quarantined   []string    `json:"quarantined"`
	Slots         []SlotStats `json:"slots"`
	TotalRequests uint64      `json:"totalRequests"`
	TotalErrors   uint64      `json:"totalErrors"`
}
