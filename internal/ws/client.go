package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcgate/internal/jsonrpc"
)

const (
	writeWait      = 10 * time.Second
	idleTimeout    = 60 * time.Second
	pingInterval   = idleTimeout * 9 / 10
	maxMessageSize = 10 * 1024 * 1024
	outboxSize     = 256
)

// Client serves JSON-RPC over one WebSocket connection. Messages are answered
// one at a time, so replies leave in the order requests arrived.
type Client struct {
	conn       *websocket.Conn
	network    string
	dispatcher Dispatcher
	logger     zerolog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, network string, dispatcher Dispatcher, logger zerolog.Logger) *Client {
	return &Client{
		conn:       conn,
		network:    network,
		dispatcher: dispatcher,
		logger:     logger,
		outbox:     make(chan []byte, outboxSize),
		done:       make(chan struct{}),
	}
}

// Run serves the connection until the peer goes away, ctx ends or Close
// is called
func (c *Client) Run(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.writeLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.reply(c.answer(ctx, data))
	}
}

func (c *Client) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
}

// answer returns the reply payload for one inbound message: a single
// response or a batch array, matching the shape of the request
func (c *Client) answer(ctx context.Context, data []byte) interface{} {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		return jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse)
	}

	responses := c.dispatcher.Dispatch(ctx, c.network, requests)
	if isBatch {
		return responses
	}
	return responses[0]
}

// reply queues payload for the write loop. A peer that does not drain its
// replies is disconnected rather than silently losing one.
func (c *Client) reply(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal reply")
		return
	}

	select {
	case c.outbox <- data:
	case <-c.done:
	default:
		c.logger.Warn().Int("queued", len(c.outbox)).Msg("reply queue full, closing connection")
		c.Close()
	}
}

// writeLoop is the only writer of the connection: it sends queued replies
// and pings the peer while idle
func (c *Client) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.Close()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.outbox:
			err = c.write(websocket.TextMessage, data)
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
