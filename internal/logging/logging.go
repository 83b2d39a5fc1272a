// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options selects the output format and minimum level.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Env    string // production forces json
	Output io.Writer
}

// OptionsFromEnv reads VOLSEG_LOG_LEVEL, VOLSEG_LOG_FORMAT and VOLSEG_ENV.
func OptionsFromEnv() Options {
	return Options{
		Level:  os.Getenv("VOLSEG_LOG_LEVEL"),
		Format: os.Getenv("VOLSEG_LOG_FORMAT"),
		Env:    os.Getenv("VOLSEG_ENV"),
	}
}

// ParseLevel maps a level name onto a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger from opts without touching the global logger.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	json := opts.Format == "json" || opts.Env == "production"
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "volseg").
		Logger()
}

// Init installs the logger built from opts as the global zerolog logger.
func Init(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := New(opts)
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}
