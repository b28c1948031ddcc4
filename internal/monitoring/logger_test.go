package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerTaggedJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "producer", "debug", false)
	log.Info().Str("subject", "tspi.geocentric.501").Msg("published")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "producer", line["component"])
	require.Equal(t, "tspi.geocentric.501", line["subject"])
	require.Equal(t, "published", line["message"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "archiver", "warn", false)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tspi", Subsystem: "producer", Name: "published_total",
		Help: "Messages accepted by the stream.",
	})
	reg.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "tspi_producer_published_total 1")
}
