package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskSecret keeps a short suffix of an API key or token so operators can tell
// which credential is loaded without exposing it.
func MaskSecret(key, value string) slog.Attr {
	value = strings.TrimSpace(value)
	if value == "" {
		return slog.String(key, "")
	}
	if len(value) <= 8 {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, RedactedValue+"..."+value[len(value)-4:])
}
