// Package monitoring wires up the shared zerolog logger and the Prometheus
// exposition endpoint used by every pipeline binary.
package monitoring

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewLogger returns a logger tagged with the component name. Pretty output
// renders human-readable console lines; otherwise JSON.
func NewLogger(component, level string, pretty bool) zerolog.Logger {
	return NewLoggerTo(os.Stderr, component, level, pretty)
}

// NewLoggerTo is NewLogger writing to the given writer, for tests.
func NewLoggerTo(w io.Writer, component, level string, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// MetricsHandler exposes the registry in Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
