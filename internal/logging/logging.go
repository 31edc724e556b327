// Package logging constructs the zerolog loggers used throughout the
// execution core: one per long-running component (partition worker,
// flusher, notifier, environment façade), each tagged with a
// "component" field so interleaved goroutine output stays attributable.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger. Level and format are controlled by
// DORA_LOG_LEVEL ("debug", "info", "warn", "error"; default "info") and
// DORA_LOG_FORMAT ("console" or "json"; default "json"), read the same
// getenv-with-default way as the rest of the option table.
func New() zerolog.Logger {
	level := parseLevel(os.Getenv("DORA_LOG_LEVEL"))

	var w zerolog.LevelWriter
	if strings.EqualFold(os.Getenv("DORA_LOG_FORMAT"), "console") {
		w = consoleWriter{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}}
	}

	ctx := zerolog.New(os.Stderr).With().Timestamp()
	logger := ctx.Logger().Level(level)
	if w != nil {
		logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	}
	return logger
}

// consoleWriter adapts zerolog.ConsoleWriter (which only implements
// io.Writer) to zerolog.LevelWriter so New can treat both writers
// uniformly.
type consoleWriter struct {
	zerolog.ConsoleWriter
}

func (w consoleWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		if lvl, err := zerolog.ParseLevel(s); err == nil {
			return lvl
		}
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with name, the convention
// every partition, flusher, and notifier in this module follows so log
// lines can be filtered by component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
