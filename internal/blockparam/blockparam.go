// Package blockparam inspects the block parameter of Ethereum JSON-RPC calls.
//
// A call pinned to a concrete block number returns the same result for as
// long as the chain does not reorganise below that block, so the front may
// serve it from the rpc cache. Calls using a tag such as "latest" are not.
package blockparam

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Tags lists the block tags that resolve to a moving block
var Tags = map[string]bool{
	"latest":    true,
	"pending":   true,
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

// Index returns the position of the block parameter of method, or -1
func Index(method string) int {
	switch method {
	case "eth_getBlockByNumber",
		"eth_getBlockTransactionCountByNumber",
		"eth_getTransactionByBlockNumberAndIndex",
		"eth_getUncleCountByBlockNumber",
		"eth_getBlockReceipts",
		"debug_traceBlockByNumber",
		"trace_block",
		"trace_replayBlockTransactions":
		return 0
	case "eth_getCode", "eth_getBalance", "eth_getTransactionCount",
		"eth_call", "debug_traceCall", "trace_call", "trace_callMany":
		return 1
	case "eth_getStorageAt", "eth_getProof":
		return 2
	default:
		return -1
	}
}

// IsTag reports whether param is a block tag rather than a block number.
// Unparseable params count as tags.
func IsTag(param json.RawMessage) bool {
	value, ok := blockValue(param)
	if !ok {
		return true
	}
	return Tags[strings.ToLower(value)]
}

// Requested returns the concrete block number a call targets.
// For eth_getLogs and trace_filter it is the highest bound of the range.
func Requested(method string, params json.RawMessage) (uint64, bool) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return 0, false
	}

	switch method {
	case "eth_getLogs", "trace_filter":
		return requestedRange(args[0])
	}

	idx := Index(method)
	if idx < 0 || idx >= len(args) {
		return 0, false
	}
	return number(args[idx])
}

// Pinned reports whether the call targets a concrete block
func Pinned(method string, params json.RawMessage) bool {
	_, ok := Requested(method, params)
	return ok
}

func requestedRange(filter json.RawMessage) (uint64, bool) {
	var bounds struct {
		FromBlock *string `json:"fromBlock"`
		ToBlock   *string `json:"toBlock"`
		BlockHash *string `json:"blockHash"`
	}
	if err := json.Unmarshal(filter, &bounds); err != nil {
		return 0, false
	}
	// A missing bound defaults to latest.
	if bounds.BlockHash != nil || bounds.FromBlock == nil || bounds.ToBlock == nil {
		return 0, false
	}

	from, err := hexutil.DecodeUint64(*bounds.FromBlock)
	if err != nil {
		return 0, false
	}
	to, err := hexutil.DecodeUint64(*bounds.ToBlock)
	if err != nil {
		return 0, false
	}
	if from > to {
		return from, true
	}
	return to, true
}

func number(param json.RawMessage) (uint64, bool) {
	if IsTag(param) {
		return 0, false
	}
	value, _ := blockValue(param)
	n, err := hexutil.DecodeUint64(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// blockValue extracts the block string from a plain param or from an
// EIP-1898 object carrying blockNumber
func blockValue(param json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(param, &s); err == nil {
		return s, true
	}

	var obj struct {
		BlockNumber *string `json:"blockNumber"`
	}
	if err := json.Unmarshal(param, &obj); err != nil || obj.BlockNumber == nil {
		return "", false
	}
	return *obj.BlockNumber, true
}
