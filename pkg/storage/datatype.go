package storage

import (
	"strings"
	"time"
)

// The state file round-trips typed date/time values through plain JSON by
// writing a parallel "<key>__datatype" sibling next to any value that is a
// date, datetime or time-of-day string.

const datatypeSuffix = "__datatype"

// addDatatypeHints walks decoded JSON and inserts datatype siblings.
func addDatatypeHints(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = addDatatypeHints(item)
			if s, ok := item.(string); ok {
				if dt := datatypeOf(s); dt != "" {
					out[k+datatypeSuffix] = dt
				}
			}
		}
		return out
	case []any:
		for i := range val {
			val[i] = addDatatypeHints(val[i])
		}
		return val
	default:
		return v
	}
}

// stripDatatypeHints removes the datatype siblings again before decoding into
// typed structs.
func stripDatatypeHints(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if strings.HasSuffix(k, datatypeSuffix) {
				delete(val, k)
				continue
			}
			val[k] = stripDatatypeHints(item)
		}
		return val
	case []any:
		for i := range val {
			val[i] = stripDatatypeHints(val[i])
		}
		return val
	default:
		return v
	}
}

func datatypeOf(s string) string {
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return "datetime"
	}
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return "date"
	}
	if _, err := time.Parse("15:04:05", s); err == nil {
		return "time"
	}
	return ""
}
