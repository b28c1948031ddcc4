// Package config loads the optional JSON tuning file shared by the
// pipeline binaries. Fields omitted from the file keep their defaults, so
// partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/viljo/Low-latency-stream-kit/internal/units"
)

// TuningConfig represents the root configuration for pipeline tuning.
type TuningConfig struct {
	// Stream params
	SubjectPrefix     *string `json:"subject_prefix,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"` // duration string like "5s"

	// Archiver params
	ArchiveBatchSize *int    `json:"archive_batch_size,omitempty"`
	ArchiveIdleWait  *string `json:"archive_idle_wait,omitempty"` // duration string like "250ms"

	// Replay params
	TagWindowSeconds *float64 `json:"tag_window_seconds,omitempty"`

	// Player params
	MetricsInterval  *string  `json:"metrics_interval,omitempty"` // duration string like "1s"
	ScrubHistorySize *int     `json:"scrub_history_size,omitempty"`
	SmoothCenter     *float64 `json:"smooth_center,omitempty"`
	SmoothZoom       *float64 `json:"smooth_zoom,omitempty"`
	RateMin          *float64 `json:"rate_min,omitempty"`
	RateMax          *float64 `json:"rate_max,omitempty"`
	DefaultRate      *float64 `json:"default_rate,omitempty"`
	DefaultClock     *string  `json:"default_clock,omitempty"`
	DefaultUnits     *string  `json:"default_units,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset; every
// accessor then falls back to its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path must
// have a .json extension and the file must be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, value := range map[string]*string{
		"heartbeat_interval": c.HeartbeatInterval,
		"archive_idle_wait":  c.ArchiveIdleWait,
		"metrics_interval":   c.MetricsInterval,
	} {
		if value != nil && *value != "" {
			if _, err := time.ParseDuration(*value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *value, err)
			}
		}
	}
	for name, value := range map[string]*float64{
		"smooth_center": c.SmoothCenter,
		"smooth_zoom":   c.SmoothZoom,
	} {
		if value != nil && (*value < 0 || *value > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *value)
		}
	}
	if c.ArchiveBatchSize != nil && *c.ArchiveBatchSize < 1 {
		return fmt.Errorf("archive_batch_size must be positive, got %d", *c.ArchiveBatchSize)
	}
	if c.ScrubHistorySize != nil && *c.ScrubHistorySize < 1 {
		return fmt.Errorf("scrub_history_size must be positive, got %d", *c.ScrubHistorySize)
	}
	if c.TagWindowSeconds != nil && *c.TagWindowSeconds <= 0 {
		return fmt.Errorf("tag_window_seconds must be positive, got %f", *c.TagWindowSeconds)
	}
	if c.RateMin != nil && c.RateMax != nil && *c.RateMin > *c.RateMax {
		return fmt.Errorf("rate_min %f exceeds rate_max %f", *c.RateMin, *c.RateMax)
	}
	if c.DefaultClock != nil {
		if *c.DefaultClock != "receive" && *c.DefaultClock != "tspi" {
			return fmt.Errorf("default_clock must be receive or tspi, got %q", *c.DefaultClock)
		}
	}
	if c.DefaultUnits != nil && !units.IsValid(*c.DefaultUnits) {
		return fmt.Errorf("default_units must be one of %s, got %q",
			units.GetValidUnitsString(), *c.DefaultUnits)
	}
	return nil
}

// GetSubjectPrefix returns the subject_prefix value or the default.
func (c *TuningConfig) GetSubjectPrefix() string {
	if c.SubjectPrefix == nil || *c.SubjectPrefix == "" {
		return "tspi"
	}
	return *c.SubjectPrefix
}

// GetHeartbeatInterval parses and returns heartbeat_interval as a duration.
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return c.duration(c.HeartbeatInterval, 5*time.Second)
}

// GetArchiveBatchSize returns the archive_batch_size value or the default.
func (c *TuningConfig) GetArchiveBatchSize() int {
	if c.ArchiveBatchSize == nil {
		return 50
	}
	return *c.ArchiveBatchSize
}

// GetArchiveIdleWait parses and returns archive_idle_wait as a duration.
func (c *TuningConfig) GetArchiveIdleWait() time.Duration {
	return c.duration(c.ArchiveIdleWait, 250*time.Millisecond)
}

// GetTagWindowSeconds returns the tag_window_seconds value or the default.
func (c *TuningConfig) GetTagWindowSeconds() float64 {
	if c.TagWindowSeconds == nil {
		return 10
	}
	return *c.TagWindowSeconds
}

// GetMetricsInterval parses and returns metrics_interval as a duration.
func (c *TuningConfig) GetMetricsInterval() time.Duration {
	return c.duration(c.MetricsInterval, time.Second)
}

// GetScrubHistorySize returns the scrub_history_size value or the default.
func (c *TuningConfig) GetScrubHistorySize() int {
	if c.ScrubHistorySize == nil {
		return 600
	}
	return *c.ScrubHistorySize
}

// GetSmoothCenter returns the smooth_center value or the default.
func (c *TuningConfig) GetSmoothCenter() float64 {
	if c.SmoothCenter == nil {
		return 0.85
	}
	return *c.SmoothCenter
}

// GetSmoothZoom returns the smooth_zoom value or the default.
func (c *TuningConfig) GetSmoothZoom() float64 {
	if c.SmoothZoom == nil {
		return 0.85
	}
	return *c.SmoothZoom
}

// GetRateMin returns the rate_min value or the default.
func (c *TuningConfig) GetRateMin() float64 {
	if c.RateMin == nil {
		return 0.01
	}
	return *c.RateMin
}

// GetRateMax returns the rate_max value or the default.
func (c *TuningConfig) GetRateMax() float64 {
	if c.RateMax == nil {
		return 4.0
	}
	return *c.RateMax
}

// GetDefaultRate returns the default_rate value or the default.
func (c *TuningConfig) GetDefaultRate() float64 {
	if c.DefaultRate == nil {
		return 1.0
	}
	return *c.DefaultRate
}

// GetDefaultClock returns the default_clock value or the default.
func (c *TuningConfig) GetDefaultClock() string {
	if c.DefaultClock == nil || *c.DefaultClock == "" {
		return "receive"
	}
	return *c.DefaultClock
}

// GetDefaultUnits returns the default_units value or the default.
func (c *TuningConfig) GetDefaultUnits() string {
	if c.DefaultUnits == nil || *c.DefaultUnits == "" {
		return units.Metric
	}
	return *c.DefaultUnits
}

func (c *TuningConfig) duration(value *string, fallback time.Duration) time.Duration {
	if value == nil || *value == "" {
		return fallback
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fallback
	}
	return d
}
