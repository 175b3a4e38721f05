// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs every remote page and pending-row merge.
	LevelTrace LogLevel = "trace"

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
	Level LogLevel `mapstructure:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `mapstructure:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `mapstructure:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. Unknown levels fall back to
// info; use ParseLevel to reject them up front.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. The empty level is info.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: every remote page and pending-row merge
//
// Debug: detailed flow
//   - Runner ticks (interval, cursor, items)
//   - Request registration and arrivals nobody waits for
//   - Resolver rounds
//
// Info: normal operation events
//   - Accounts added or removed
//   - Backward fetch complete, historic endpoint switch
//   - Requests completed or expired
//   - Startup and shutdown
//
// Warn: conditions that don't prevent operation
//   - Fetch failures recorded on an account
//   - Provider throttling, retries
//   - Notifier or response cache errors
//
// Error: conditions requiring attention
//   - Storage errors (a runner or the correlator stops)
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - account: account being fetched
//   - direction: forward or backward
//   - source: source name
//   - nonce: request nonce
//   - cursor: position in the account history
