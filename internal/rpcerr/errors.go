// Package rpcerr defines the error taxonomy shared by the RPC layer.
//
// TransportError is the only retryable class: the endpoint could not be
// reached or did not produce a parseable JSON-RPC body. ProtocolError carries
// a JSON-RPC error object returned by a healthy endpoint and is surfaced as-is.
// ConfigurationError reports an unknown network or cache type.
// BatchFormatError rejects every entry of a batch whose response does not
// line up with the ids that were sent.
package rpcerr

import (
	"encoding/json"
	"errors"
	"fmt"

	"rpcgate/internal/jsonrpc"
)

// ErrRetriesExhausted is joined with the last transport error once every attempt failed
var ErrRetriesExhausted = errors.New("all retry attempts failed")

// TransportError is a failure to obtain a response from an endpoint
type TransportError struct {
	Network  string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport error on %s: %v", e.Network, e.Err)
	}
	return fmt.Sprintf("transport error on %s (%s): %v", e.Network, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a JSON-RPC error object returned by the node
type ProtocolError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCError converts the error back into its wire form
func (e *ProtocolError) RPCError() *jsonrpc.Error {
	return &jsonrpc.Error{Code: e.Code, Message: e.Message, Data: e.Data}
}

// NewProtocolError wraps a JSON-RPC error object
func NewProtocolError(err *jsonrpc.Error) *ProtocolError {
	return &ProtocolError{Code: err.Code, Message: err.Message, Data: err.Data}
}

// ConfigurationError reports use of an unknown network or cache type
type ConfigurationError struct {
	Kind string
	Name string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s '%s'", e.Kind, e.Name)
}

// UnknownNetwork returns the ConfigurationError for a network without endpoints
func UnknownNetwork(network string) *ConfigurationError {
	return &ConfigurationError{Kind: "network", Name: network}
}

// UnknownCacheType returns the ConfigurationError for an unrecognized cache type
func UnknownCacheType(name string) *ConfigurationError {
	return &ConfigurationError{Kind: "cache type", Name: name}
}

// BatchFormatError reports a batch response that cannot be matched to its requests
type BatchFormatError struct {
	Network string
	Reason  string
}

func (e *BatchFormatError) Error() string {
	return fmt.Sprintf("malformed batch response from %s: %s", e.Network, e.Reason)
}

// IsRetryable reports whether err is a transport-class failure
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ToRPCError maps any error to a JSON-RPC error object for clients.
// Protocol errors keep their code and message.
func ToRPCError(err error) *jsonrpc.Error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.RPCError()
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return jsonrpc.NewError(jsonrpc.CodeInvalidRequest, ce.Error())
	}
	var be *BatchFormatError
	if errors.As(err, &be) {
		return jsonrpc.NewError(jsonrpc.CodeInternalError, be.Error())
	}
	if errors.Is(err, ErrRetriesExhausted) || IsRetryable(err) {
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "all upstreams failed")
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
}
