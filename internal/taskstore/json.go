package taskstore

import (
	"encoding/json"
	"strings"
)

// JSON list/dict columns are transparently parsed with backward
// compatibility for legacy shapes: `repo` was once a bare string, the
// per-repo SHA maps were once bare strings scoped to the single repo, and
// `commits` was once a flat list. Reads accept the old forms; writes always
// produce the current canonical shape.

// decodeStringList parses a JSON list column. A legacy bare string decodes
// to a one-element list; empty input decodes to an empty list.
func decodeStringList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		if list == nil {
			return []string{}
		}
		return list
	}
	// Legacy bare string form.
	return []string{raw}
}

// decodeIntList parses a JSON list of integers (depends_on).
func decodeIntList(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []int{}
	}
	var list []int
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		if list == nil {
			return []int{}
		}
		return list
	}
	return []int{}
}

// decodeRepoMap parses a repo → value map column. A legacy bare string is
// coerced onto the task's first repo.
func decodeRepoMap(raw string, repos []string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		if m == nil {
			return map[string]string{}
		}
		return m
	}
	if len(repos) > 0 {
		return map[string]string{repos[0]: raw}
	}
	return map[string]string{}
}

// decodeCommitsMap parses the per-repo commits map. A legacy flat list is
// coerced onto the task's first repo.
func decodeCommitsMap(raw string, repos []string) map[string][]string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string][]string{}
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		if m == nil {
			return map[string][]string{}
		}
		return m
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil && len(repos) > 0 {
		return map[string][]string{repos[0]: list}
	}
	return map[string][]string{}
}

// decodeMetadata parses the free-form metadata column.
func decodeMetadata(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{}
}

// encodeJSON writes the canonical shape for any JSON column. nil slices and
// maps encode as empty containers, never null.
func encodeJSON(v any) string {
	switch t := v.(type) {
	case []string:
		if t == nil {
			v = []string{}
		}
	case []int:
		if t == nil {
			v = []int{}
		}
	case map[string]string:
		if t == nil {
			v = map[string]string{}
		}
	case map[string][]string:
		if t == nil {
			v = map[string][]string{}
		}
	case map[string]any:
		if t == nil {
			v = map[string]any{}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
