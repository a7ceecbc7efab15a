// Package logging holds small helpers shared by every component that logs.
package logging

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the field carrying the dot-delimited subsystem path.
const SubsystemKey = "sys"

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem joins the non-empty parts into a dot-delimited path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry of the returned logger with subsystem.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	l = Ensure(l)
	if subsystem == "" {
		return l
	}
	return l.With(SubsystemKey, subsystem)
}
