package realtime

import (
	"bytes"
	"encoding/json"

	"golang.org/x/text/unicode/norm"
)

// canonicalState reduces a JSON payload to a canonical byte form: object
// keys sorted (encoding/json marshals maps in key order) and every string
// normalized to NFC. Clients on platforms with differing Unicode
// normalization (macOS produces NFD) would otherwise report byte-different
// but visually identical states, turning self-confirmations into spurious
// conflicts.
//
// Invalid JSON is returned as-is so malformed payloads still compare by
// raw bytes instead of failing reconciliation.
func canonicalState(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	out, err := json.Marshal(normalizeStrings(v))
	if err != nil {
		return raw
	}

	return out
}

// normalizeStrings walks a decoded JSON value and NFC-normalizes every
// string, including object keys.
func normalizeStrings(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		for i, elem := range val {
			val[i] = normalizeStrings(elem)
		}

		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeStrings(elem)
		}

		return out
	default:
		return v
	}
}

// sameState reports whether two payloads describe the same item state
// under canonical comparison. Two empty payloads (both nil: a deletion)
// are the same state.
func sameState(a, b json.RawMessage) bool {
	return bytes.Equal(canonicalState(a), canonicalState(b))
}
