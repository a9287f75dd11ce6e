// Package status turns agent status payloads into short progress strings.
package status

import (
	"encoding/json"
	"strings"
)

// Extract returns the human-readable text carried by a status payload. The
// payload may be a string, a decoded JSON object, raw JSON bytes, or any value
// that marshals to a JSON object. Extract never panics and never returns a
// stringified object; when nothing usable is found it returns "".
func Extract(v any) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	return extract(v, true)
}

func extract(v any, decode bool) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return usable(x)
	case map[string]any:
		return fromObject(x)
	case json.RawMessage:
		return extractJSON(x)
	case []byte:
		return extractJSON(x)
	}

	if !decode {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return ""
	}
	return extract(obj, false)
}

func extractJSON(b []byte) string {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return ""
	}
	return extract(decoded, false)
}

// fromObject tries message, then state, then text.
func fromObject(m map[string]any) string {
	if s := fromMessage(m["message"]); s != "" {
		return s
	}
	if s, ok := m["state"].(string); ok {
		if s = usable(s); s != "" {
			return s
		}
	}
	if s, ok := m["text"].(string); ok {
		return usable(s)
	}
	return ""
}

// fromMessage recurses one level into an object-valued message.
func fromMessage(v any) string {
	switch x := v.(type) {
	case string:
		return usable(x)
	case map[string]any:
		for _, key := range []string{"text", "value", "content"} {
			if s, ok := x[key].(string); ok {
				if s = usable(s); s != "" {
					return s
				}
			}
		}
		if parts, ok := x["parts"].([]any); ok {
			return joinParts(parts)
		}
	}
	return ""
}

func joinParts(parts []any) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		var s string
		switch part := p.(type) {
		case string:
			s = usable(part)
		case map[string]any:
			for _, key := range []string{"text", "value", "content"} {
				if v, ok := part[key].(string); ok {
					if s = usable(v); s != "" {
						break
					}
				}
			}
		}
		if s != "" {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, " ")
}

// usable trims s and rejects values that are really a stringified object.
func usable(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || degenerate(s) {
		return ""
	}
	return s
}

func degenerate(s string) bool {
	switch s {
	case "{}", "[]", "null", "undefined", "<nil>":
		return true
	}
	if strings.HasPrefix(s, "[object ") && strings.HasSuffix(s, "]") {
		return true
	}
	if strings.HasPrefix(s, "map[") && strings.HasSuffix(s, "]") {
		return true
	}
	if strings.HasPrefix(s, "&{") || strings.HasPrefix(s, "&map[") {
		return true
	}
	return false
}
