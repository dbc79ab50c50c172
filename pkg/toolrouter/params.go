package toolrouter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalHash computes sha256(params_canonical_json) per spec §6's cache
// key definition: (run_id, tool_id, op, sha256(params_canonical_json)).
// Map keys are sorted before marshaling so two calls with the same
// logical params in different insertion order hash identically.
func canonicalHash(params map[string]any) string {
	canonical := canonicalize(params)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{Key: k, Value: canonicalize(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
