package service

import (
	"encoding/json"
	"net/url"
	"strings"
)

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"address":         {},
	"billing_details": {},
	"client_secret":   {},
	"customer_email":  {},
	"email":           {},
	"name":            {},
	"phone":           {},
	"receipt_email":   {},
	"scd":             {},
	"shipping":        {},
}

// maskSecret redacts a value while keeping a minimal suffix for operators.
func maskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// journalPayload renders a verified notification for the event journal with
// personal data and merchant credentials masked. JSON bodies keep their shape;
// form bodies become an object of their fields.
func journalPayload(raw []byte, response string) []byte {
	doc := map[string]any{}

	switch {
	case len(raw) == 0:
	case json.Valid(raw):
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok {
				doc = maskMap(obj)
			} else {
				doc["body"] = maskValue("", decoded)
			}
		}
	default:
		if form, err := url.ParseQuery(string(raw)); err == nil {
			fields := make(map[string]any, len(form))
			for key := range form {
				fields[key] = form.Get(key)
			}
			doc["request"] = maskMap(fields)
		}
	}

	if response = strings.TrimSpace(response); response != "" {
		doc["response"] = response
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}
	return out
}

func maskMap(input map[string]any) map[string]any {
	masked := make(map[string]any, len(input))
	for key, value := range input {
		masked[key] = maskValue(key, value)
	}
	return masked
}

func maskValue(key string, value any) any {
	_, sensitive := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	switch cast := value.(type) {
	case string:
		if sensitive {
			return maskSecret(cast)
		}
		return cast
	case map[string]any:
		if sensitive {
			return maskToken
		}
		return maskMap(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(key, item))
		}
		return out
	default:
		return value
	}
}
