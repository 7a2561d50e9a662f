package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"rpcgate/internal/jsonrpc"
)

// KeySeparator joins the parts of a canonical key
const KeySeparator = ":"

// Key builds the canonical key for a type and its key parts.
// Every part is rendered in lowercase; structured parts are rendered as
// normalized JSON.
func Key(t Type, keyParts ...interface{}) string {
	var b strings.Builder
	b.WriteString(t.String())
	for _, part := range keyParts {
		b.WriteString(KeySeparator)
		b.WriteString(keyPart(part))
	}
	return b.String()
}

func keyPart(part interface{}) string {
	switch v := part.(type) {
	case nil:
		return "null"
	case string:
		return strings.ToLower(v)
	case fmt.Stringer:
		return strings.ToLower(v.String())
	case json.RawMessage:
		return string(jsonrpc.NormalizeParams(v))
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	}

	data, err := json.Marshal(part)
	if err != nil {
		return strings.ToLower(fmt.Sprintf("%v", part))
	}
	return string(jsonrpc.NormalizeParams(data))
}
