package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcgate/internal/jsonrpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Dispatcher answers parsed JSON-RPC requests for a network.
// The returned slice is positional with requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, network string, requests []*jsonrpc.Request) []*jsonrpc.Response
}

// Handler upgrades connections for a single network
type Handler struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(dispatcher Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// Serve upgrades the connection and serves it until the client goes away
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, network string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().
		Str("network", network).
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	client := NewClient(conn, network, h.dispatcher, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	client.Run(r.Context())
}

// IsUpgrade reports whether r asks for a WebSocket upgrade
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
