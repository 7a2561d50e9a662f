package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/metrics"
	"rpcgate/internal/rpcerr"
)

// fakeExecutor answers every request with its method name unless respond is set
type fakeExecutor struct {
	mu      sync.Mutex
	batches [][]*jsonrpc.Request
	respond func(reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error)
}

func (f *fakeExecutor) ExecuteBatch(_ context.Context, _ string, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	f.mu.Lock()
	f.batches = append(f.batches, reqs)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(reqs)
	}
	responses := make([]*jsonrpc.Response, len(reqs))
	for i, req := range reqs {
		responses[i] = jsonrpc.NewResponseRaw(req.ID, json.RawMessage(fmt.Sprintf("%q", req.Method)))
	}
	return responses, nil
}

func (f *fakeExecutor) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func newTestCoalescer(exec BatchExecutor, timeout time.Duration) *Coalescer {
	return New(exec, Config{MaxBatchSize: 10, Timeout: timeout}, nil, zerolog.Nop())
}

func receive(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("result was not delivered")
		return Result{}
	}
}

func TestCoalescer_FlushesAfterTimeout(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, 100*time.Millisecond)

	start := time.Now()
	ch1 := c.Enqueue("ethereum", "m1", nil)
	ch2 := c.Enqueue("ethereum", "m2", nil)
	ch3 := c.Enqueue("ethereum", "m3", nil)

	for i, ch := range []<-chan Result{ch1, ch2, ch3} {
		r := receive(t, ch)
		require.NoError(t, r.Err)
		assert.JSONEq(t, fmt.Sprintf(`"m%d"`, i+1), string(r.Value))
	}

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []int{3}, exec.batchSizes())
}

func TestCoalescer_FlushesImmediatelyAtMaxSize(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, time.Hour)

	results := make([]<-chan Result, 10)
	for i := range results {
		results[i] = c.Enqueue("ethereum", fmt.Sprintf("m%d", i), nil)
	}
	for _, ch := range results {
		require.NoError(t, receive(t, ch).Err)
	}

	assert.Equal(t, []int{10}, exec.batchSizes())
	assert.Equal(t, 0, c.Pending())
}

func TestCoalescer_EleventhRequestOpensNewWindow(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, 50*time.Millisecond)

	var results []<-chan Result
	for i := 0; i < 11; i++ {
		results = append(results, c.Enqueue("ethereum", "m", nil))
	}
	for _, ch := range results {
		require.NoError(t, receive(t, ch).Err)
	}

	assert.ElementsMatch(t, []int{10, 1}, exec.batchSizes())
}

func TestCoalescer_SeparateWindowsPerNetwork(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, time.Hour)

	a := c.Enqueue("ethereum", "m", nil)
	b := c.Enqueue("polygon", "m", nil)
	assert.Equal(t, 2, c.Pending())

	c.Flush("ethereum")
	require.NoError(t, receive(t, a).Err)
	assert.Equal(t, 1, c.Pending())

	c.Flush("polygon")
	require.NoError(t, receive(t, b).Err)
	assert.Equal(t, []int{1, 1}, exec.batchSizes())
}

func TestCoalescer_MatchesShuffledResponses(t *testing.T) {
	exec := &fakeExecutor{respond: func(reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
		responses := make([]*jsonrpc.Response, 0, len(reqs))
		for i := len(reqs) - 1; i >= 0; i-- {
			responses = append(responses, jsonrpc.NewResponseRaw(reqs[i].ID, json.RawMessage(fmt.Sprintf("%q", reqs[i].Method))))
		}
		return responses, nil
	}}
	c := newTestCoalescer(exec, time.Hour)

	a := c.Enqueue("ethereum", "first", nil)
	b := c.Enqueue("ethereum", "second", nil)
	d := c.Enqueue("ethereum", "third", nil)
	c.Flush("ethereum")

	assert.JSONEq(t, `"first"`, string(receive(t, a).Value))
	assert.JSONEq(t, `"second"`, string(receive(t, b).Value))
	assert.JSONEq(t, `"third"`, string(receive(t, d).Value))
}

func TestCoalescer_SendsSequentialIDs(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, time.Hour)

	c.Enqueue("ethereum", "a", nil)
	c.Enqueue("ethereum", "b", json.RawMessage(`["0x1"]`))
	c.Flush("ethereum")

	require.Len(t, exec.batches, 1)
	for i, req := range exec.batches[0] {
		id, ok := req.ID.Int64()
		require.True(t, ok)
		assert.Equal(t, int64(i), id)
	}
	assert.JSONEq(t, `["0x1"]`, string(exec.batches[0][1].Params))
}

func TestCoalescer_PerEntryErrors(t *testing.T) {
	exec := &fakeExecutor{respond: func(reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
		return []*jsonrpc.Response{
			jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`"ok"`)),
			jsonrpc.NewErrorResponse(reqs[1].ID, &jsonrpc.Error{Code: 3, Message: "execution reverted"}),
		}, nil
	}}
	c := newTestCoalescer(exec, time.Hour)

	ok := c.Enqueue("ethereum", "eth_call", nil)
	failed := c.Enqueue("ethereum", "eth_call", nil)
	c.Flush("ethereum")

	assert.NoError(t, receive(t, ok).Err)

	var pe *rpcerr.ProtocolError
	require.ErrorAs(t, receive(t, failed).Err, &pe)
	assert.Equal(t, 3, pe.Code)
}

func TestCoalescer_WholeBatchFailure(t *testing.T) {
	boom := &rpcerr.TransportError{Network: "ethereum", Err: errors.New("connection refused")}
	exec := &fakeExecutor{respond: func([]*jsonrpc.Request) ([]*jsonrpc.Response, error) {
		return nil, boom
	}}
	c := newTestCoalescer(exec, time.Hour)

	a := c.Enqueue("ethereum", "a", nil)
	b := c.Enqueue("ethereum", "b", nil)
	c.Flush("ethereum")

	assert.ErrorIs(t, receive(t, a).Err, boom)
	assert.ErrorIs(t, receive(t, b).Err, boom)
}

func TestCoalescer_MismatchedIDsRejectWholeBatch(t *testing.T) {
	tests := []struct {
		name    string
		respond func(reqs []*jsonrpc.Request) []*jsonrpc.Response
	}{
		{
			name: "missing id",
			respond: func(reqs []*jsonrpc.Request) []*jsonrpc.Response {
				return []*jsonrpc.Response{jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`1`))}
			},
		},
		{
			name: "unknown id",
			respond: func(reqs []*jsonrpc.Request) []*jsonrpc.Response {
				return []*jsonrpc.Response{
					jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`1`)),
					jsonrpc.NewResponseRaw(jsonrpc.NewIDInt(7), json.RawMessage(`2`)),
				}
			},
		},
		{
			name: "entry without result or error",
			respond: func(reqs []*jsonrpc.Request) []*jsonrpc.Response {
				return []*jsonrpc.Response{
					jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`1`)),
					{JSONRPC: jsonrpc.Version, ID: reqs[1].ID},
				}
			},
		},
		{
			name: "duplicate id",
			respond: func(reqs []*jsonrpc.Request) []*jsonrpc.Response {
				return []*jsonrpc.Response{
					jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`1`)),
					jsonrpc.NewResponseRaw(reqs[0].ID, json.RawMessage(`2`)),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{respond: func(reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
				return tt.respond(reqs), nil
			}}
			c := newTestCoalescer(exec, time.Hour)

			a := c.Enqueue("ethereum", "a", nil)
			b := c.Enqueue("ethereum", "b", nil)
			c.Flush("ethereum")

			var be *rpcerr.BatchFormatError
			assert.ErrorAs(t, receive(t, a).Err, &be)
			assert.ErrorAs(t, receive(t, b).Err, &be)
		})
	}
}

func TestCoalescer_RecordsBatchedRequests(t *testing.T) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	c := New(&fakeExecutor{}, Config{MaxBatchSize: 2, Timeout: time.Hour}, recorder, zerolog.Nop())

	a := c.Enqueue("ethereum", "a", nil)
	b := c.Enqueue("ethereum", "b", nil)
	receive(t, a)
	receive(t, b)

	assert.Equal(t, uint64(2), recorder.Snapshot().Batched)
}

func TestCoalescer_Close(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoalescer(exec, time.Hour)

	pendingResult := c.Enqueue("ethereum", "a", nil)
	require.NoError(t, c.Close(context.Background()))
	assert.NoError(t, receive(t, pendingResult).Err)

	assert.ErrorIs(t, receive(t, c.Enqueue("ethereum", "b", nil)).Err, ErrClosed)
}
