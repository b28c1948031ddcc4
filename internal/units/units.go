// Package units provides shared constants and conversions for the display
// unit systems selected over the command plane.
package units

import "fmt"

// Unit system constants.
const (
	Metric   = "metric"
	Imperial = "imperial"
)

// Conversion factors from SI base units.
const (
	metresToFeet = 3.28084
)

// ValidUnits contains all valid unit system values.
var ValidUnits = []string{Metric, Imperial}

// IsValid checks if the given unit system is recognised.
func IsValid(system string) bool {
	for _, valid := range ValidUnits {
		if system == valid {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated list for error messages.
func GetValidUnitsString() string {
	return "metric, imperial"
}

// ConvertLength converts a length in metres to the target unit system.
// Telemetry payloads carry metres; imperial display uses feet.
func ConvertLength(metres float64, system string) float64 {
	if system == Imperial {
		return metres * metresToFeet
	}
	return metres
}

// ConvertSpeed converts a speed in metres per second to the target system.
func ConvertSpeed(mps float64, system string) float64 {
	if system == Imperial {
		return mps * metresToFeet
	}
	return mps
}

// LengthSuffix returns the length unit label for the system.
func LengthSuffix(system string) string {
	if system == Imperial {
		return "ft"
	}
	return "m"
}

// SpeedSuffix returns the speed unit label for the system.
func SpeedSuffix(system string) string {
	if system == Imperial {
		return "ft/s"
	}
	return "m/s"
}

// FormatLength renders a length with its unit label.
func FormatLength(metres float64, system string) string {
	return fmt.Sprintf("%.2f %s", ConvertLength(metres, system), LengthSuffix(system))
}

// FormatSpeed renders a speed with its unit label.
func FormatSpeed(mps float64, system string) string {
	return fmt.Sprintf("%.2f %s", ConvertSpeed(mps, system), SpeedSuffix(system))
}
