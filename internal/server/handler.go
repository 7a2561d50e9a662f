package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rpcgate/internal/blockparam"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/network"
	"rpcgate/internal/rpcerr"
	"rpcgate/internal/ws"
)

// Backend is the part of the network service the front needs
type Backend interface {
	Call(ctx context.Context, network, method string, params interface{}, opts ...network.CallOption) (json.RawMessage, error)
	HasNetwork(network string) bool
}

// Handler handles HTTP and WebSocket JSON-RPC requests on /{network}
type Handler struct {
	backend        Backend
	ws             *ws.Handler
	maxBodySize    int64
	maxConcurrency int
	logger         zerolog.Logger
}

// NewHandler creates a new Handler. A non-positive maxBodySize disables the
// body limit; maxConcurrency bounds the entries of one client batch served
// at a time.
func NewHandler(backend Backend, maxBodySize int64, maxConcurrency int, logger zerolog.Logger) *Handler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	h := &Handler{
		backend:        backend,
		maxBodySize:    maxBodySize,
		maxConcurrency: maxConcurrency,
		logger:         logger.With().Str("component", "rpc").Logger(),
	}
	h.ws = ws.NewHandler(h, logger)
	return h
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	networkName := extractNetworkName(r.URL.Path)
	if networkName == "" || !h.backend.HasNetwork(networkName) {
		if ws.IsUpgrade(r) {
			http.Error(w, rpcerr.UnknownNetwork(networkName).Error(), http.StatusNotFound)
			return
		}
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), rpcerr.ToRPCError(rpcerr.UnknownNetwork(networkName)))
		return
	}

	if ws.IsUpgrade(r) {
		h.ws.Serve(w, r, networkName)
		return
	}

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}

	responses := h.Dispatch(r.Context(), networkName, requests)

	if isBatch {
		h.writeBatchResponse(w, responses)
	} else {
		h.writeResponse(w, responses[0])
	}
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		return io.ReadAll(r.Body)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// Dispatch answers requests through the backend, at most maxConcurrency at
// a time. Responses are positional with requests.
func (h *Handler) Dispatch(ctx context.Context, networkName string, requests []*jsonrpc.Request) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(requests))

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)
	for i, req := range requests {
		g.Go(func() error {
			responses[i] = h.execute(ctx, networkName, req)
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (h *Handler) execute(ctx context.Context, networkName string, req *jsonrpc.Request) *jsonrpc.Response {
	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
	}

	var opts []network.CallOption
	if blockparam.Pinned(req.Method, req.Params) {
		opts = append(opts, network.WithCache())
	}

	result, err := h.backend.Call(ctx, networkName, req.Method, req.Params, opts...)
	if err != nil {
		h.logger.Debug().
			Err(err).
			Str("network", networkName).
			Str("method", req.Method).
			Msg("request failed")
		return jsonrpc.NewErrorResponse(req.ID, rpcerr.ToRPCError(err))
	}

	return jsonrpc.NewResponseRaw(req.ID, result)
}

// writeResponse writes a JSON-RPC response
func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Write(data)
}

// writeBatchResponse writes a batch of JSON-RPC responses
func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	data, err := jsonrpc.MarshalBatchResponse(responses)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal batch response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Write(data)
}

// writeJSONRPCError writes a JSON-RPC error response
func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	h.writeResponse(w, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// extractNetworkName extracts the network name from a URL path
// Examples:
//
//	/ethereum -> ethereum
//	/ethereum/ -> ethereum
//	/polygon/some/path -> polygon
func extractNetworkName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.Index(path, "/"); idx != -1 {
		path = path[:idx]
	}
	return path
}
