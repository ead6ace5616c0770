// Package observability provides the process logger, prometheus metrics
// and health handlers.
package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger. Later calls return
// the logger built by the first.
func InitLogger(level string, pretty bool) zerolog.Logger {
	initOnce.Do(func() {
		globalLogger = NewLogger(os.Stdout, level, pretty)
		log.Logger = globalLogger
	})
	return globalLogger
}

// NewLogger builds a logger writing to w. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// GetLogger returns the global logger, initializing it with defaults.
func GetLogger() zerolog.Logger {
	return InitLogger("info", false)
}

// WithCorrelationID creates a logger with a correlation ID, generating one
// when empty.
func WithCorrelationID(logger zerolog.Logger, correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return logger.With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID.
func NewCorrelationID() string {
	return uuid.New().String()
}
