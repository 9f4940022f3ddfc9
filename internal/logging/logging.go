// Package logging builds the facade's structured logger. It mirrors the
// teacher's monitoring logger: zerolog, JSON by default, pretty console in
// development, with panic recovery helpers for every goroutine boundary.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output shape.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a zerolog.Logger configured per cfg. It is created once at
// startup and passed by value into every component that logs.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", "dgfacade-gateway").
		Logger()
}

// Recover catches a panic inside a goroutine, logs it with a full stack
// trace, and lets the goroutine return normally instead of crashing the
// process. Use via `defer logging.Recover(logger, "worker", fields)`.
func Recover(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("goroutine panic recovered")
}
