package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ISOLayout is the wire format for channel and control timestamps.
const ISOLayout = "2006-01-02T15:04:05Z"

// SuffixLayout is the compact form used in channel ids and subjects.
const SuffixLayout = "20060102T150405Z"

// ErrBadTimestamp reports a value that could not be interpreted as a point
// in time.
var ErrBadTimestamp = errors.New("timeutil: unparseable timestamp")

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseFlexible interprets ISO-8601 strings (with or without zone) and
// numeric epoch seconds, always returning a UTC time. Naive timestamps are
// assumed to be UTC.
func ParseFlexible(value string) (time.Time, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, ErrBadTimestamp
	}
	if epoch, err := strconv.ParseFloat(text, 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}

// ISOFormat renders t as a second-resolution UTC ISO-8601 string.
func ISOFormat(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ChannelSuffix renders t in the compact channel-id form.
func ChannelSuffix(t time.Time) string {
	return t.UTC().Format(SuffixLayout)
}

// Slug lowercases a free-form label and joins its alphanumeric runs with
// dashes. Returns "" when the label carries no alphanumerics.
func Slug(label string) string {
	var runs []string
	var current strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			runs = append(runs, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		runs = append(runs, current.String())
	}
	return strings.Join(runs, "-")
}

// EpochMillis returns t as integer milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromEpochSeconds converts fractional epoch seconds to a UTC time.
func FromEpochSeconds(sec float64) time.Time {
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

// EpochSeconds returns t as fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
