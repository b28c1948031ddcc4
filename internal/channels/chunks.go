package channels

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
)

// DataChunkTag names a timestamp inside a datastore recording.
type DataChunkTag struct {
	Label     string
	Timestamp time.Time
}

// NewDataChunkTag validates and normalises a chunk tag.
func NewDataChunkTag(label string, timestamp time.Time) (DataChunkTag, error) {
	clean := strings.TrimSpace(label)
	if clean == "" {
		return DataChunkTag{}, fmt.Errorf("%w: tag label must be non-empty", ErrValidation)
	}
	return DataChunkTag{Label: clean, Timestamp: timestamp.UTC()}, nil
}

// ISOFormat renders the tag timestamp for display.
func (t DataChunkTag) ISOFormat() string {
	return timeutil.ISOFormat(t.Timestamp)
}

// DataChunk is the metadata for one replayable recording window.
type DataChunk struct {
	Identifier  string
	Start       time.Time
	End         time.Time
	DisplayName string
	Tags        []DataChunkTag
}

// NewDataChunk validates a chunk, clamps end to start and sorts its tags by
// timestamp.
func NewDataChunk(identifier string, start, end time.Time, displayName string, tags []DataChunkTag) (DataChunk, error) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return DataChunk{}, fmt.Errorf("%w: chunk identifier must be non-empty", ErrValidation)
	}
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		end = start
	}
	sorted := append([]DataChunkTag(nil), tags...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return DataChunk{
		Identifier:  ident,
		Start:       start,
		End:         end,
		DisplayName: strings.TrimSpace(displayName),
		Tags:        sorted,
	}, nil
}

// Label returns the display name, falling back to the identifier.
func (c DataChunk) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Identifier
}

// DurationSeconds is the whole-second length of the window.
func (c DataChunk) DurationSeconds() int {
	d := int(c.End.Sub(c.Start) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// TimestampAtOffset maps a scrubber offset back to an instant, clamped to
// the window.
func (c DataChunk) TimestampAtOffset(offsetSeconds int) time.Time {
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}
	if max := c.DurationSeconds(); offsetSeconds > max {
		offsetSeconds = max
	}
	return c.Start.Add(time.Duration(offsetSeconds) * time.Second)
}

// OffsetForTimestamp maps an instant to a scrubber offset, clamped to the
// window.
func (c DataChunk) OffsetForTimestamp(timestamp time.Time) int {
	ts := timestamp.UTC()
	if !ts.After(c.Start) {
		return 0
	}
	if !ts.Before(c.End) {
		return c.DurationSeconds()
	}
	return int(ts.Sub(c.Start) / time.Second)
}

// FirstTag returns the earliest tag, if any.
func (c DataChunk) FirstTag() (DataChunkTag, bool) {
	if len(c.Tags) == 0 {
		return DataChunkTag{}, false
	}
	return c.Tags[0], true
}

// FindTag looks a tag up by label, case-insensitively.
func (c DataChunk) FindTag(label string) (DataChunkTag, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(label))
	for _, tag := range c.Tags {
		if strings.ToLower(tag.Label) == cleaned {
			return tag, true
		}
	}
	return DataChunkTag{}, false
}

// ComposeReplayIdentifier derives the replay identifier and operator-facing
// display label for a chunk selection. A non-nil tag anchors the replay at
// the tag; otherwise startTime is used.
func ComposeReplayIdentifier(chunk DataChunk, startTime time.Time, tag *DataChunkTag) (identifier, display string) {
	if tag != nil {
		identifier = strings.TrimSpace(chunk.Identifier + " " + tag.Label)
		display = strings.TrimSpace(chunk.Label() + " / " + tag.Label)
		return identifier, display
	}
	iso := timeutil.ISOFormat(startTime)
	identifier = strings.TrimSpace(chunk.Identifier + " " + iso)
	display = strings.TrimSpace(chunk.Label() + " @ " + iso)
	return identifier, display
}
