// Package logging holds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLevel overrides the default level when set to a zerolog level name.
const EnvLevel = "OCSPFETCH_LOG_LEVEL"

var logout = zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance. Diagnostics go to
// stderr so that stdout stays free for response bytes.
var Logger = New(logout, levelFromEnv(zerolog.WarnLevel))

// New returns a logger writing to w at level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		With().Timestamp().Logger().
		With().Caller().Logger().
		Level(level)
}

// Configure replaces Logger. Verbose lowers the level to debug unless
// the environment asks for something else.
func Configure(w io.Writer, verbose bool) zerolog.Logger {
	if w == nil {
		w = logout
	}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	Logger = New(w, levelFromEnv(level))
	return Logger
}

func levelFromEnv(def zerolog.Level) zerolog.Level {
	name := strings.TrimSpace(os.Getenv(EnvLevel))
	if name == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return def
	}
	return lvl
}
