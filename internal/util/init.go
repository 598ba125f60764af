// Package util provides initialization utilities shared across the
// fulfiller's binaries: logger setup and log-level control.
package util

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// InitLogger initializes and returns a zerolog logger. It supports both
// JSON (production) and pretty console (development) output depending on
// whether stdout is a terminal.
func InitLogger() *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "vrf-fulfiller").
			Logger()
	}

	return &logger
}

// UpdateLogLevel sets the global log level from the LOG_LEVEL environment
// variable, defaulting to info when unset or unrecognized.
func UpdateLogLevel(logger *zerolog.Logger) {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().
			Str("configured_level", levelStr).
			Str("using_level", "info").
			Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

// isTerminal checks if stdout is a terminal (for pretty console output).
func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
