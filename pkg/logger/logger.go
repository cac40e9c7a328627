// Package logger provides structured logging built on zerolog.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level that gets emitted: debug, info, warn, error.
	Level string
	// Pretty switches to human-readable console output instead of JSON.
	Pretty bool
}

// New creates a configured zerolog.Logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	}

	return logger
}

// SetGlobalLogger replaces zerolog's package-level logger so that code
// using log.Info() etc. picks up the configured output.
func SetGlobalLogger(logger zerolog.Logger) {
	log.Logger = logger
}

// Get returns the global logger configured via SetGlobalLogger.
func Get() zerolog.Logger {
	return log.Logger
}
