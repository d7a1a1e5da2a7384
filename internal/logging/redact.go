package logging

import (
	"log/slog"
	"strings"
)

// Redacted is the canonical placeholder for sensitive field values in logs
// and in anonymize-op record output.
const Redacted = "[REDACTED]"

// MaskField returns a slog.Attr with the value replaced by Redacted unless
// it is empty, so log lines never leak patient-identifying field contents.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}
