package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SortedKeys returns the sorted keys of a string-keyed map.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrettyJSON formats a JSON RawMessage with indentation.
func PrettyJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(b)
}

// TimestampClaims is the set of claim names that contain Unix timestamps.
var TimestampClaims = map[string]bool{
	"auth_time":  true,
	"exp":        true,
	"iat":        true,
	"nbf":        true,
	"updated_at": true,
}

// ClaimRow is a single formatted claim for display.
type ClaimRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ClaimRows formats all claims in key order.
func ClaimRows(claims map[string]any) []ClaimRow {
	rows := make([]ClaimRow, 0, len(claims))
	for _, k := range SortedKeys(claims) {
		rows = append(rows, ClaimRow{Key: k, Value: FormatClaimValue(k, claims[k])})
	}
	return rows
}

// FormatClaimValue formats a claim value, appending a UTC rendering for timestamp claims.
func FormatClaimValue(key string, v any) string {
	raw := FormatValue(v)
	if !TimestampClaims[key] {
		return raw
	}
	if n, ok := v.(float64); ok && n == float64(int64(n)) {
		t := time.Unix(int64(n), 0)
		return fmt.Sprintf("%s (%s)", raw, t.UTC().Format("2006-01-02T15:04:05 MST"))
	}
	return raw
}

// FormatValue formats a value for display, handling numeric types.
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	case json.Number:
		return n.String()
	case map[string]any, []any:
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
