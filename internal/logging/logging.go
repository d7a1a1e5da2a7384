// Package logging configures the structured JSON logger used throughout the
// redaction core, mirroring the reference service's slog setup.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New configures a JSON slog.Logger tagged with the component name, at the
// given level ("debug"|"info"|"warn"|"error"; unrecognized values fall back
// to info). All log lines carry "component" and, when set, "network" so
// audit tooling can filter by subsystem without parsing message text.
func New(component, network, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("component", strings.TrimSpace(component))}
	if network = strings.TrimSpace(network); network != "" {
		attrs = append(attrs, slog.String("network", network))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, a := range attrs {
		withArgs = append(withArgs, a)
	}
	return slog.New(handler).With(withArgs...)
}

// Default is used by packages that receive no injected logger; callers
// should prefer New(...) wired in at construction time.
func Default() *slog.Logger {
	return slog.Default()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
