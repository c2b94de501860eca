// Package logging builds the zerolog root logger shared by the relay
// components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a root logger writing to stderr. With console set, output is
// the human-readable zerolog console format; otherwise one JSON object per
// line. Unknown levels fall back to info.
func New(level string, console bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, console)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, console bool) zerolog.Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	out := w
	if console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(out).
		Level(ParseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
}

// Component derives a logger tagged with the component name.
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, returning def when the
// name is empty or unknown.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "DISABLED", "OFF":
		return zerolog.Disabled
	default:
		return def
	}
}
