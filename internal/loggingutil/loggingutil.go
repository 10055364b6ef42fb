// Package loggingutil holds the small pslog helpers shared by gridlock
// packages: a disabled default logger and subsystem tagging.
package loggingutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey is the key carrying the dotted subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger with
// subsystem. A nil logger yields the disabled logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
