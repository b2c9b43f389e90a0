// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// ParseLevel converts a configured level name, defaulting to info.
func ParseLevel(name string) LogLevel {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(name))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l
	case "warning":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Per-request detail
//   - Normalization decisions (proceed, redirect reason)
//   - Render cache hit/miss, key, TTL
//   - Deferred invalidations queued
//
// Info: Normal operation events
//   - Scheduled run summaries
//   - Immediate invalidations and purges
//   - Server startup/shutdown
//
// Warn: Degraded but serving
//   - Timestamp store read failures (request proceeds without timestamp)
//   - Timestamp batches deferred after retries
//   - Relations dropped against the subscriber order
//   - Cache errors (fallback to origin)
//
// Error: Error conditions requiring attention
//   - Aborted scheduled runs
//   - Purge failures
//   - Origin unavailable
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - page, entity_id, locale: page instance
//   - reason: normalization redirect reason
//   - batch, attempt: scheduled run progress
//   - watermark: change scan position
