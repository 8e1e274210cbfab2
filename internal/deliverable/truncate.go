package deliverable

import (
	"fmt"
	"slices"
	"unicode/utf8"
)

// Size limits for evidence fields, in bytes.
const (
	MaxHeaderBytes = 2 << 10
	MaxBodyBytes   = 16 << 10
	MaxTextBytes   = 8 << 10
)

// bodyFields hold full HTTP payloads.
var bodyFields = map[string]bool{
	"request":  true,
	"response": true,
	"body":     true,
}

// truncate shortens s to at most limit bytes on a rune boundary and appends
// a marker naming how many bytes were dropped.
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("...[truncated %d bytes]", len(s)-cut), true
}

// truncateItem shortens oversized strings in an evidence item in place and
// returns how many fields were cut.
func truncateItem(fields map[string]any) int {
	n := 0
	for k, v := range fields {
		limit := MaxTextBytes
		if bodyFields[k] {
			limit = MaxBodyBytes
		}
		fields[k] = truncateValue(k, v, limit, &n)
	}
	return n
}

// truncateDocument shortens oversized document-level text, leaving the keys
// in keep alone, and returns how many fields were cut.
func truncateDocument(obj map[string]any, keep ...string) int {
	n := 0
	for k, v := range obj {
		if slices.Contains(keep, k) {
			continue
		}
		obj[k] = truncateValue(k, v, MaxTextBytes, &n)
	}
	return n
}

func truncateValue(key string, v any, limit int, n *int) any {
	switch t := v.(type) {
	case string:
		out, cut := truncate(t, limit)
		if cut {
			*n++
		}
		return out
	case map[string]any:
		for k, inner := range t {
			childLimit := MaxTextBytes
			switch {
			case key == "headers":
				childLimit = MaxHeaderBytes
			case bodyFields[k]:
				childLimit = MaxBodyBytes
			}
			t[k] = truncateValue(k, inner, childLimit, n)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = truncateValue(key, inner, limit, n)
		}
		return t
	default:
		return v
	}
}
