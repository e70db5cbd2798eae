package tracing

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys containing any of these never reach the exporter.
var redactedKeyParts = []string{"secret", "signature", "token", "merchant_code", "authorization", "password"}

// SafeAttributes drops attributes that could carry provider credentials.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := attrs[:0:0]
	for _, attr := range attrs {
		key := strings.ToLower(string(attr.Key))
		redacted := false
		for _, part := range redactedKeyParts {
			if strings.Contains(key, part) {
				redacted = true
				break
			}
		}
		if !redacted {
			kept = append(kept, attr)
		}
	}
	return kept
}

// SafeError keeps snake_case error codes such as invalid_signature and
// reduces any other error to its type, since driver and transport errors can
// echo request data.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if isErrorCode(e.Error()) {
			return errors.New(e.Error())
		}
	}
	return fmt.Errorf("%T", err)
}

func isErrorCode(msg string) bool {
	if msg == "" {
		return false
	}
	for _, r := range msg {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}
