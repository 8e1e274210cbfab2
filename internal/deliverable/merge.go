package deliverable

import (
	"encoding/json"
	"strings"
	"unicode"
)

// MergeStats reports what MergeQueues did.
type MergeStats struct {
	Existing     int `json:"existing"`
	New          int `json:"new"`
	Deduplicated int `json:"deduplicated"`
	Final        int `json:"final"`
}

// MergeQueues appends incoming entries to existing, keeping the first entry
// seen for each (source, type) key. Existing entries always win. Entries
// with neither a source nor a type have no key and are always kept.
func MergeQueues(existing, incoming *QueueDocument) (*QueueDocument, MergeStats) {
	stats := MergeStats{Existing: existing.Len(), New: incoming.Len()}
	merged := &QueueDocument{Vulnerabilities: make([]map[string]any, 0, stats.Existing+stats.New)}
	seen := make(map[string]bool, stats.Existing+stats.New)

	add := func(entry map[string]any) {
		key := DedupKey(entry)
		if key != "" {
			if seen[key] {
				stats.Deduplicated++
				return
			}
			seen[key] = true
		}
		merged.Vulnerabilities = append(merged.Vulnerabilities, entry)
	}

	if existing != nil {
		for _, e := range existing.Vulnerabilities {
			add(e)
		}
	}
	if incoming != nil {
		for _, e := range incoming.Vulnerabilities {
			add(e)
		}
	}

	stats.Final = len(merged.Vulnerabilities)
	return merged, stats
}

// DedupKey is the lowercased, whitespace-free source joined with the
// lowercased vulnerability type. It is empty when both parts are.
func DedupKey(entry map[string]any) string {
	source := stripSpace(strings.ToLower(stringField(entry["source"])))
	typ := stringField(entry["vulnerability_type"])
	if typ == "" {
		typ = stringField(entry["type"])
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	if source == "" && typ == "" {
		return ""
	}
	return source + "|" + typ
}

func stringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
