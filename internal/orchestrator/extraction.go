package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"
)

// knownField reports whether a key is part of the expected field schema.
func knownField(key string) bool {
	for _, f := range ExpectedFields {
		if f == key {
			return true
		}
	}
	return false
}

// parseExtraction turns raw model output into field updates. The output of
// the extraction call is untrusted: it may be prose, fenced, truncated, or
// carry keys outside the schema. Anything that does not parse cleanly is
// treated as "no new information this turn", never as an error.
func parseExtraction(raw string) map[string]string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return map[string]string{}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return map[string]string{}
	}

	updates := make(map[string]string)
	for key, value := range parsed {
		if !knownField(key) {
			continue
		}
		if s, ok := coerceString(value); ok && s != "" {
			updates[key] = s
		}
	}
	return updates
}

// coerceString accepts the scalar types the model plausibly emits for a
// field value. Objects and arrays are discarded.
func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
