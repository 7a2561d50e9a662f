package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/config"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/rpcerr"
)

// maxErrorBodyLen bounds how much of a non-200 body ends up in an error
const maxErrorBodyLen = 256

// HTTPTransport posts JSON-RPC payloads over HTTP(S). Each network gets its
// own client so that idle connections are pooled per network.
type HTTPTransport struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
	idlePerHost    int
	logger         zerolog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPTransport creates a transport using the connection settings of cfg
func NewHTTPTransport(cfg *config.Config, logger zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		dialTimeout:    cfg.GetConnectionTimeoutDuration(),
		requestTimeout: cfg.GetRequestTimeoutDuration(),
		idlePerHost:    cfg.PoolSize,
		logger:         logger.With().Str("component", "transport").Logger(),
		clients:        make(map[string]*http.Client),
	}
}

func (t *HTTPTransport) client(network string) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[network]; ok {
		return c
	}

	dialer := &net.Dialer{
		Timeout:   t.dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: t.idlePerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: t.dialTimeout,
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   t.requestTimeout,
	}
	t.clients[network] = c

	t.logger.Debug().
		Str("network", network).
		Dur("dialTimeout", t.dialTimeout).
		Dur("requestTimeout", t.requestTimeout).
		Msg("created http client")

	return c
}

// Call sends a single JSON-RPC request
func (t *HTTPTransport) Call(ctx context.Context, network, endpoint string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := t.post(ctx, network, endpoint, reqBytes)
	if err != nil {
		return nil, err
	}

	resp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, transportError(network, endpoint, fmt.Errorf("failed to parse response: %w", err))
	}
	if resp.IsEmpty() {
		return nil, transportError(network, endpoint, errors.New("response has neither result nor error"))
	}

	return resp, nil
}

// CallBatch sends requests as one JSON array.
// A non-array body that carries an error object is returned as a
// *rpcerr.ProtocolError; any other non-array body is a *rpcerr.BatchFormatError.
func (t *HTTPTransport) CallBatch(ctx context.Context, network, endpoint string, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	reqBytes, err := jsonrpc.MarshalBatchRequest(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	body, err := t.post(ctx, network, endpoint, reqBytes)
	if err != nil {
		return nil, err
	}

	responses, isArray, err := jsonrpc.ParseBatchResponse(body)
	if err != nil {
		return nil, transportError(network, endpoint, fmt.Errorf("failed to parse batch response: %w", err))
	}

	if !isArray {
		if len(responses) == 1 && responses[0].HasError() {
			return nil, rpcerr.NewProtocolError(responses[0].Error)
		}
		return nil, &rpcerr.BatchFormatError{Network: network, Reason: "response is not an array"}
	}

	return responses, nil
}

func (t *HTTPTransport) post(ctx context.Context, network, endpoint string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(network, endpoint, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client(network).Do(httpReq)
	if err != nil {
		return nil, transportError(network, endpoint, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(network, endpoint, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBodyLen {
			body = body[:maxErrorBodyLen]
		}
		return nil, transportError(network, endpoint, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body)))
	}

	return body, nil
}

// Close drops idle connections of every network
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.clients {
		c.CloseIdleConnections()
	}
}

func transportError(network, endpoint string, err error) *rpcerr.TransportError {
	return &rpcerr.TransportError{Network: network, Endpoint: endpoint, Err: err}
}
