// Package util provides small process-wide bootstrap helpers: logger
// construction and log-level wiring, factored out of main so both
// cmd/indexer and cmd/notifier-consumer share them.
package util

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// InitLogger builds a zerolog logger: pretty console output when
// stdout is a terminal (development), JSON lines otherwise
// (production), with a "service" field identifying the binary.
func InitLogger(service string) zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if isTerminal() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", service).
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// SetLogLevel applies a configured level string to the global zerolog
// level, defaulting to info on an empty or unrecognized value.
func SetLogLevel(logger zerolog.Logger, levelStr string) {
	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info", "":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

// isTerminal reports whether stdout is attached to a terminal.
func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
