package audit

import "strings"

// redactedValue replaces secret material in persisted payloads.
const redactedValue = "[REDACTED]"

// sensitiveKeyParts flags payload keys whose values must never reach the
// log. Matching is case-insensitive on substrings so "github_token" and
// "AWS_SECRET_ACCESS_KEY" are both caught.
var sensitiveKeyParts = []string{
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
	"private_key",
	"credential",
}

// RedactPayload returns a copy of payload with sensitive values replaced.
// Nested maps and slices are walked; keys are preserved so the record still
// shows which fields the request carried.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactPayload(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
