// Package logx configures the process-wide zerolog logger. Services call
// Setup once in main and take component loggers via For.
package logx

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Setup initialises the root logger. format is "console" or "json", level is
// a zerolog level name ("debug", "info", ...). Unknown values fall back to
// JSON at info level.
func Setup(format, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if strings.EqualFold(format, "console") {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	root = l.Level(lvl).With().Timestamp().Logger()
}

// For returns a logger tagged with a component name.
func For(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
