package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"
)

// CanonicalParams re-encodes JSON params with object keys sorted and
// insignificant whitespace removed. String values keep their case, so only
// byte-for-byte equivalent requests share a canonical form.
func CanonicalParams(params json.RawMessage) []byte {
	return canonicalize(params, false)
}

// NormalizeParams is CanonicalParams with every string lowercased, so hex
// addresses and hashes compare equal regardless of checksum casing.
// It is meant for cache keys only.
func NormalizeParams(params json.RawMessage) []byte {
	return canonicalize(params, true)
}

func canonicalize(params json.RawMessage, lower bool) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return params
	}
	if lower {
		data = NormalizeValue(data)
	}

	result, err := json.Marshal(data)
	if err != nil {
		return params
	}
	return result
}

// NormalizeValue recursively lowercases every string inside a decoded JSON value
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = NormalizeValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = NormalizeValue(item)
		}
		return result
	case string:
		return strings.ToLower(val)
	default:
		return val
	}
}
