package trace

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// redactedMark replaces anything the journal must not carry.
const redactedMark = "[REDACTED]"

// urlPattern finds URL-shaped substrings inside free text. RE2 keeps
// matching linear even on adversarial input.
var urlPattern = regexp.MustCompile(`(?:https?|wss?)://[^\s"'<>\\]+`)

// Redact returns a copy of v that is safe to journal: values under
// secret-bearing keys are replaced whole, URL queries lose their
// values, and both rules apply recursively through maps and slices.
// v must already be in plain JSON shapes; Normalize converts.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			switch {
			case sensitiveKey(k):
				out[k] = redactedMark
			case urlKey(k):
				if s, ok := item.(string); ok {
					out[k] = redactURL(s)
				} else {
					out[k] = Redact(item)
				}
			default:
				out[k] = Redact(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case string:
		return RedactText(val)
	default:
		return v
	}
}

// RedactText scrubs URL-shaped substrings inside free text, keeping
// origin, path, fragment and query names but never query values.
func RedactText(s string) string {
	if s == "" {
		return ""
	}
	return urlPattern.ReplaceAllStringFunc(s, redactURL)
}

// Normalize reshapes v into plain JSON types (maps, slices, strings,
// numbers) so the key-based walk can see every field.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

func sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	return lower == "value" ||
		strings.Contains(lower, "password") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret")
}

func urlKey(k string) bool {
	switch strings.ToLower(k) {
	case "url", "href", "src":
		return true
	}
	return false
}

// redactURL keeps origin, path and fragment. Query parameter names
// survive, their values do not, and userinfo is dropped outright.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redactedMark
	}
	if u.RawQuery == "" && u.User == nil {
		return raw
	}
	u.User = nil
	u.RawQuery = redactQuery(u.RawQuery)
	return u.String()
}

func redactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	segs := strings.Split(rawQuery, "&")
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		name, _, _ := strings.Cut(seg, "=")
		segs[i] = name + "=" + redactedMark
	}
	return strings.Join(segs, "&")
}
