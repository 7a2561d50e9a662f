package network

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/cache"
	"rpcgate/internal/config"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/rpcerr"
)

// fakeNode is a JSON-RPC node answering from a method table
type fakeNode struct {
	srv      *httptest.Server
	posts    atomic.Int32
	requests atomic.Int32
	delay    time.Duration
	custom   func(req *jsonrpc.Request) *jsonrpc.Response
	body     string
	mu       sync.Mutex
	results  map[string]string
}

func newFakeNode(t *testing.T, results map[string]string) *fakeNode {
	t.Helper()
	n := &fakeNode{results: results}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) answer(req *jsonrpc.Request) *jsonrpc.Response {
	n.requests.Add(1)
	if n.custom != nil {
		return n.custom(req)
	}
	n.mu.Lock()
	result, ok := n.results[req.Method]
	n.mu.Unlock()
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found"))
	}
	return jsonrpc.NewResponseRaw(req.ID, json.RawMessage(result))
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	n.posts.Add(1)
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	body, _ := io.ReadAll(r.Body)
	if n.body != "" {
		n.requests.Add(1)
		_, _ = w.Write([]byte(n.body))
		return
	}

	reqs, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !isBatch {
		data, _ := n.answer(reqs[0]).Bytes()
		_, _ = w.Write(data)
		return
	}

	responses := make([]*jsonrpc.Response, len(reqs))
	for i, req := range reqs {
		responses[i] = n.answer(req)
	}
	data, _ := jsonrpc.MarshalBatchResponse(responses)
	_, _ = w.Write(data)
}

func newTestService(t *testing.T, endpoints []string, opts ...Option) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.BatchTimeout = 20
	cfg.Networks["ethereum"] = config.NetworkConfig{Endpoints: endpoints, RateBurst: 1}

	opts = append([]Option{WithRetrySleep(func(context.Context, time.Duration) error { return nil })}, opts...)
	s, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func deadEndpoint() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestService_Call(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_chainId": `"0x1"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	result, err := s.Call(context.Background(), "ethereum", "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(result))
	assert.Equal(t, uint64(1), s.Stats().TotalRequests)
}

func TestService_UnknownNetworkFailsFast(t *testing.T) {
	node := newFakeNode(t, nil)
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	_, err := s.Call(context.Background(), "solana", "getSlot", nil)
	assert.True(t, rpcerr.IsConfiguration(err))

	_, err = s.BatchCall(context.Background(), "solana", []Request{{Method: "getSlot"}})
	assert.True(t, rpcerr.IsConfiguration(err))

	assert.Equal(t, int32(0), node.posts.Load())
	assert.Equal(t, uint64(0), s.Stats().TotalRequests)
}

func TestService_ConcurrentIdenticalCallsShareOneWireCall(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_blockNumber": `"0x10"`})
	node.delay = 50 * time.Millisecond
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Call(context.Background(), "ethereum", "eth_blockNumber", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), node.requests.Load())
	assert.JSONEq(t, `"0x10"`, string(results[0]))
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, uint64(1), s.Stats().Deduplicated)
}

func TestService_CallsDifferingInCaseAreNotJoined(t *testing.T) {
	node := newFakeNode(t, nil)
	node.delay = 50 * time.Millisecond
	node.custom = func(req *jsonrpc.Request) *jsonrpc.Response {
		var params []json.RawMessage
		_ = json.Unmarshal(req.Params, &params)
		return jsonrpc.NewResponseRaw(req.ID, params[0])
	}
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	addresses := []string{"AbCdEf", "abcdef"}
	results := make([]json.RawMessage, len(addresses))
	var wg sync.WaitGroup
	for i, addr := range addresses {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			res, err := s.Call(context.Background(), "ethereum", "getBalance", []string{addr}, WithoutBatch())
			assert.NoError(t, err)
			results[i] = res
		}(i, addr)
	}
	wg.Wait()

	assert.JSONEq(t, `"AbCdEf"`, string(results[0]))
	assert.JSONEq(t, `"abcdef"`, string(results[1]))
	assert.Equal(t, int32(2), node.requests.Load())
	assert.Equal(t, uint64(0), s.Stats().Deduplicated)
}

func TestService_CachingCallDoesNotJoinUncachedCall(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_getCode": `"0x6080"`})
	node.delay = 50 * time.Millisecond
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	params := []string{"0xabc", "latest"}
	var wg sync.WaitGroup
	for _, opts := range [][]CallOption{{WithoutBatch()}, {WithoutBatch(), WithCacheType(cache.TypePools)}} {
		wg.Add(1)
		go func(opts []CallOption) {
			defer wg.Done()
			_, err := s.Call(context.Background(), "ethereum", "eth_getCode", params, opts...)
			assert.NoError(t, err)
		}(opts)
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, uint64(0), stats.Deduplicated)
	assert.Equal(t, 1, stats.Cache.Entries["pools"])
}

func TestService_EmptyResponseIsRetried(t *testing.T) {
	empty := newFakeNode(t, nil)
	empty.body = `{}`
	good := newFakeNode(t, map[string]string{"eth_blockNumber": `"0x10"`})
	s := newTestService(t, []string{empty.srv.URL, good.srv.URL})

	result, err := s.Call(context.Background(), "ethereum", "eth_blockNumber", nil, WithoutBatch())
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(result))
	assert.Equal(t, uint64(1), s.Stats().Retried)
}

func TestService_EmptyResponseFromEveryEndpointFails(t *testing.T) {
	node := newFakeNode(t, nil)
	node.body = `{}`
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	_, err := s.Call(context.Background(), "ethereum", "eth_blockNumber", nil, WithoutBatch())
	assert.ErrorIs(t, err, rpcerr.ErrRetriesExhausted)
	assert.True(t, rpcerr.IsRetryable(err))
}

func TestService_DistinctCallsAreCoalesced(t *testing.T) {
	node := newFakeNode(t, map[string]string{
		"eth_chainId":     `"0x1"`,
		"eth_blockNumber": `"0x10"`,
		"eth_gasPrice":    `"0x3b9aca00"`,
	})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	results, err := s.BatchCall(context.Background(), "ethereum", []Request{
		{Method: "eth_chainId"},
		{Method: "eth_blockNumber"},
		{Method: "eth_gasPrice"},
	})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.JSONEq(t, `"0x1"`, string(results[0].Value))
	assert.JSONEq(t, `"0x10"`, string(results[1].Value))
	assert.JSONEq(t, `"0x3b9aca00"`, string(results[2].Value))

	assert.Equal(t, int32(1), node.posts.Load())
	assert.Equal(t, uint64(3), s.Stats().Batched)
}

func TestService_BatchCallPerEntryErrors(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_chainId": `"0x1"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	results, err := s.BatchCall(context.Background(), "ethereum", []Request{
		{Method: "eth_chainId"},
		{Method: "eth_unknown"},
	})
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	var pe *rpcerr.ProtocolError
	require.ErrorAs(t, results[1].Err, &pe)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, pe.Code)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestService_CachedCall(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_getCode": `"0x6080"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	params := []interface{}{"0xABC", "latest"}
	for i := 0; i < 3; i++ {
		res, err := s.Call(context.Background(), "ethereum", "eth_getCode", params, WithCacheType(cache.TypeExistence), WithoutBatch())
		require.NoError(t, err)
		assert.JSONEq(t, `"0x6080"`, string(res))
	}

	assert.Equal(t, int32(1), node.requests.Load())
	stats := s.Stats()
	assert.Equal(t, 1, stats.Cache.Entries["existence"])
	assert.Equal(t, uint64(2), stats.CacheHits)
}

func TestService_RetriesOnNextEndpoint(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_chainId": `"0x89"`})
	s := newTestService(t, []string{deadEndpoint(), node.srv.URL})

	result, err := s.Call(context.Background(), "ethereum", "eth_chainId", nil, WithoutBatch())
	require.NoError(t, err)
	assert.JSONEq(t, `"0x89"`, string(result))
	assert.Equal(t, uint64(1), s.Stats().Retried)
}

func TestService_AllEndpointsDown(t *testing.T) {
	s := newTestService(t, []string{deadEndpoint(), deadEndpoint()})

	_, err := s.Call(context.Background(), "ethereum", "eth_chainId", nil)
	assert.ErrorIs(t, err, rpcerr.ErrRetriesExhausted)
	assert.True(t, rpcerr.IsRetryable(err))
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestService_GasPrice(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_gasPrice": `"0x3b9aca00"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	gp, err := s.GasPrice(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), gp.GasPrice.Int64())
	assert.Equal(t, "0x3b9aca00", gp.GasPriceHex)
	assert.Equal(t, "ethereum", gp.Network)

	gp.GasPrice.Mul(gp.GasPrice, big.NewInt(10))

	again, err := s.GasPrice(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.NotSame(t, gp, again)
	assert.Equal(t, int64(1_000_000_000), again.GasPrice.Int64())
	assert.Equal(t, int32(1), node.requests.Load())
}

func TestService_GasPriceRejectsNonHex(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_gasPrice": `12`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	_, err := s.GasPrice(context.Background(), "ethereum")
	assert.Error(t, err)
}

func TestService_BlockNumber(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_blockNumber": `"0x1234"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	n, err := s.BlockNumber(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), n)
}

func TestService_Reset(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_chainId": `"0x1"`})
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	_, err := s.Call(context.Background(), "ethereum", "eth_chainId", nil, WithCache())
	require.NoError(t, err)
	require.Len(t, s.Stats().Pools, 1)

	s.Reset()

	stats := s.Stats()
	assert.Empty(t, stats.Pools)
	assert.Equal(t, 0, stats.Cache.TotalEntries)
	assert.Equal(t, uint64(0), stats.TotalRequests)
}

func TestService_PrometheusCollectors(t *testing.T) {
	node := newFakeNode(t, map[string]string{"eth_chainId": `"0x1"`})
	registry := prometheus.NewRegistry()
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"}, WithRegisterer(registry))

	_, err := s.Call(context.Background(), "ethereum", "eth_chainId", nil)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry, "rpcgate_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_InvalidParams(t *testing.T) {
	node := newFakeNode(t, nil)
	s := newTestService(t, []string{node.srv.URL, node.srv.URL + "/b"})

	_, err := s.Call(context.Background(), "ethereum", "eth_call", make(chan int))
	assert.Error(t, err)
	assert.Equal(t, int32(0), node.posts.Load())
}
