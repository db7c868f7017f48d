// Package logging builds the zerolog logger every other package takes as
// a constructor argument instead of reaching for a package-global.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the minimum severity a logger will emit.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls the logger New builds.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a zerolog.Logger tagged with a "service" field, JSON by
// default (for log-aggregator ingestion) or a colorized console writer
// for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "actorbusd"
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// WithStack logs err at error level with a captured stack trace, for
// unexpected failures where the call path matters more than the message.
func WithStack(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg(msg)
}

// SetGlobal installs logger as zerolog's package-level default, for code
// that can't take a logger as a parameter (init-time panics, signal
// handlers installed before the real logger exists).
func SetGlobal(logger zerolog.Logger) {
	log.Logger = logger
}
