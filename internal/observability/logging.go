package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv selects the log level: debug, info, warn or error.
const LogLevelEnv = "VAMM_LOG_LEVEL"

// NewLogger creates a structured JSON logger on stdout for one component.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, ParseLogLevel(os.Getenv(LogLevelEnv)))
}

// NewLoggerTo writes to w at an explicit level; tests pass a buffer.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to zerolog, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
