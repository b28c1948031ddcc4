package player

import "time"

// Config carries the runtime tuning shared by the UI and headless runners.
type Config struct {
	SmoothCenter       float64
	SmoothZoom         float64
	WindowSec          int
	MetricsInterval    time.Duration
	RateMin            float64
	RateMax            float64
	DefaultRate        float64
	DefaultClock       string
	ScrubHistorySize   int
	DefaultUnits       string
	DefaultMarkerColor string
	// Counters receives the Prometheus collectors; nil counts into an
	// unregistered set.
	Counters *Counters
}

// DefaultConfig returns the stock player tuning.
func DefaultConfig() Config {
	return Config{
		SmoothCenter:       0.85,
		SmoothZoom:         0.85,
		WindowSec:          10,
		MetricsInterval:    time.Second,
		RateMin:            0.01,
		RateMax:            4.0,
		DefaultRate:        1.0,
		DefaultClock:       "receive",
		ScrubHistorySize:   600,
		DefaultUnits:       "metric",
		DefaultMarkerColor: "#00ff00",
	}
}
