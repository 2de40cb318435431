package adapter

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// numericString matches the strings converted to numbers on ingest.
var numericString = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// booleanThreshold is the numeric cut-off for boolean-class controls.
const booleanThreshold = 0.5

// NormalizeValue converts a raw device value into the gateway's value
// domain (float64, bool or string).
//
// Numeric strings become numbers. For boolean-class controls numbers map
// to value >= 0.5, and the strings "1", "true" and "muted" map to true
// with every other string false. Booleans pass through unchanged, so the
// mapping is idempotent.
//
// The second result is false for values that cannot be represented
// (nil, objects, arrays); callers drop those.
func NormalizeValue(raw any, boolean bool) (any, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		if numericString.MatchString(v) {
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				return numberValue(f, boolean), true
			}
		}
		if boolean {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "muted":
				return true, true
			default:
				return false, true
			}
		}
		return v, true
	default:
		if f, ok := toFloat(raw); ok {
			return numberValue(f, boolean), true
		}
		return nil, false
	}
}

func numberValue(f float64, boolean bool) any {
	if boolean {
		return f >= booleanThreshold
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// EncodeBool maps booleans to 1 or 0 for devices that only accept numbers.
// Other values are returned unchanged.
func EncodeBool(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
