package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/jsonrpc"
)

// echoDispatcher answers every request with its method name
type echoDispatcher struct {
	mu       sync.Mutex
	networks []string
}

func (d *echoDispatcher) Dispatch(_ context.Context, network string, requests []*jsonrpc.Request) []*jsonrpc.Response {
	d.mu.Lock()
	d.networks = append(d.networks, network)
	d.mu.Unlock()

	responses := make([]*jsonrpc.Response, len(requests))
	for i, req := range requests {
		result, _ := json.Marshal(req.Method)
		responses[i] = jsonrpc.NewResponseRaw(req.ID, result)
	}
	return responses
}

func dial(t *testing.T, d Dispatcher) *websocket.Conn {
	t.Helper()
	h := NewHandler(d, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "ethereum")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestHandler_SingleRequest(t *testing.T) {
	d := &echoDispatcher{}
	conn := dial(t, d)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":7,"method":"eth_chainId"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := jsonrpc.ParseResponse(data)
	require.NoError(t, err)
	assert.JSONEq(t, `"eth_chainId"`, string(resp.Result))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"ethereum"}, d.networks)
}

func TestHandler_BatchKeepsOrder(t *testing.T) {
	conn := dial(t, &echoDispatcher{})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"a"},
		{"jsonrpc":"2.0","id":2,"method":"b"}
	]`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	responses, isArray, err := jsonrpc.ParseBatchResponse(data)
	require.NoError(t, err)
	require.True(t, isArray)
	require.Len(t, responses, 2)
	assert.JSONEq(t, `"a"`, string(responses[0].Result))
	assert.JSONEq(t, `"b"`, string(responses[1].Result))
}

func TestHandler_ParseError(t *testing.T) {
	conn := dial(t, &echoDispatcher{})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := jsonrpc.ParseResponse(data)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrParse.Code, resp.Error.Code)
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ethereum", nil)
	assert.False(t, IsUpgrade(r))

	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, IsUpgrade(r))
}
