// Package logging builds claspd's structured zerolog logger, grounded in
// the teacher's monitoring.NewLogger (JSON by default, pretty console
// output for local development, timestamp + caller on every event).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output = os.Stdout
	logCtx := zerolog.New(output).With().Timestamp()
	if opts.Format == "pretty" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Caller().Str("service", "claspd").Logger()
	}
	return logCtx.Caller().Str("service", "claspd").Logger()
}
