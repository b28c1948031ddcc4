// Package channels implements the playback channel control plane: channel
// descriptors and their subjects, the discovery directory, operator control
// broadcasts and client presence tracking.
package channels

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
)

// Stream and subject names shared across the control plane.
const (
	// StreamTSPI is the primary stream holding live telemetry.
	StreamTSPI = "TSPI"
	// StreamReplay is the short-retention stream advertising replay channels.
	StreamReplay = "TSPI_REPLAY"

	LivestreamSubject   = "tspi.channel.livestream"
	ReplaySubjectPrefix = "tspi.channel.replay"
	ClientSubjectPrefix = "tspi.channel.client"

	// OpsControlSubject carries operator control broadcasts.
	OpsControlSubject = "tspi.ops.ctrl"
	// OpsStatusSubject carries client presence heartbeats.
	OpsStatusSubject = "tspi.ops.status"
)

// Kind categorises the channels exposed to clients.
type Kind string

const (
	Livestream    Kind = "livestream"
	GroupReplay   Kind = "group_replay"
	PrivateReplay Kind = "private_replay"
)

// ClientState enumerates the playback states a client reports.
type ClientState string

const (
	FollowingLivestream    ClientState = "FOLLOWING_LIVESTREAM"
	FollowingGroupReplay   ClientState = "FOLLOWING_GROUP_REPLAY"
	FollowingPrivateReplay ClientState = "FOLLOWING_PRIVATE_REPLAY"
	LiveOverride           ClientState = "LIVE_OVERRIDE"
)

// ErrValidation reports malformed channel parameters.
var ErrValidation = errors.New("channels: validation error")

// Descriptor describes one discoverable playback channel.
type Descriptor struct {
	ChannelID   string
	Subject     string
	DisplayName string
	Kind        Kind
	Stream      string

	// Start and End are ISO timestamps bounding a timestamp-keyed group
	// replay. Empty for livestream, label replays and private channels.
	Start string
	End   string

	// Identifier is the operator-supplied replay identifier (ISO timestamp
	// or free-form label) a group replay was derived from.
	Identifier string
}

// ToDict renders the descriptor in the discovery wire shape.
func (d Descriptor) ToDict() map[string]any {
	out := map[string]any{
		"channel_id":   d.ChannelID,
		"subject":      d.Subject,
		"display_name": d.DisplayName,
		"kind":         string(d.Kind),
		"stream":       d.Stream,
	}
	if d.Start != "" {
		out["start"] = d.Start
	}
	if d.End != "" {
		out["end"] = d.End
	}
	return out
}

// LiveChannel returns the always-on livestream descriptor.
func LiveChannel() Descriptor {
	return Descriptor{
		ChannelID:   "livestream",
		Subject:     LivestreamSubject,
		DisplayName: "livestream",
		Kind:        Livestream,
		Stream:      StreamTSPI,
	}
}

// GroupReplayAt builds a group replay channel keyed by a start instant. A
// zero end leaves the window open.
func GroupReplayAt(start time.Time, end time.Time, stream string) Descriptor {
	if stream == "" {
		stream = StreamTSPI
	}
	suffix := timeutil.ChannelSuffix(start)
	iso := timeutil.ISOFormat(start)
	d := Descriptor{
		ChannelID:   "replay." + suffix,
		Subject:     ReplaySubjectPrefix + "." + suffix,
		DisplayName: "replay " + iso,
		Kind:        GroupReplay,
		Stream:      stream,
		Start:       iso,
		Identifier:  iso,
	}
	if !end.IsZero() {
		d.End = timeutil.ISOFormat(end)
	}
	return d
}

// NewGroupReplay builds a group replay channel from an operator-supplied
// identifier: an ISO timestamp or numeric epoch keys the replay by start
// time, anything else becomes a label channel whose suffix is the slug of
// the label. displayName overrides the derived display string when
// non-empty.
func NewGroupReplay(identifier, stream, displayName string) (Descriptor, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return Descriptor{}, fmt.Errorf("%w: replay identifier must be non-empty", ErrValidation)
	}
	if stream == "" {
		stream = StreamTSPI
	}

	var d Descriptor
	if start, err := timeutil.ParseFlexible(trimmed); err == nil {
		d = GroupReplayAt(start, time.Time{}, stream)
	} else {
		suffix := timeutil.Slug(trimmed)
		if suffix == "" {
			return Descriptor{}, fmt.Errorf("%w: replay label %q has no usable characters", ErrValidation, identifier)
		}
		d = Descriptor{
			ChannelID:   "replay." + suffix,
			Subject:     ReplaySubjectPrefix + "." + suffix,
			DisplayName: trimmed,
			Kind:        GroupReplay,
			Stream:      stream,
			Identifier:  trimmed,
		}
	}
	if displayName != "" {
		d.DisplayName = displayName
	}
	return d, nil
}

// PrivateChannel builds a per-client replay channel. Both parts must be
// non-empty after trimming.
func PrivateChannel(clientID, sessionID, stream string) (Descriptor, error) {
	clientID = strings.TrimSpace(clientID)
	sessionID = strings.TrimSpace(sessionID)
	if clientID == "" || sessionID == "" {
		return Descriptor{}, fmt.Errorf("%w: client_id and session_id must be non-empty", ErrValidation)
	}
	if stream == "" {
		stream = StreamTSPI
	}
	return Descriptor{
		ChannelID:   fmt.Sprintf("client.%s.%s", clientID, sessionID),
		Subject:     fmt.Sprintf("%s.%s.%s", ClientSubjectPrefix, clientID, sessionID),
		DisplayName: fmt.Sprintf("client %s/%s", clientID, sessionID),
		Kind:        PrivateReplay,
		Stream:      stream,
	}, nil
}

// ReplayAdvertisementSubjects lists the subjects the TSPI_REPLAY stream
// must persist so clients can discover replay channels.
func ReplayAdvertisementSubjects() []string {
	return []string{ReplaySubjectPrefix + ".>", ClientSubjectPrefix + ".>"}
}

// ConsumerConfig is the JetStream consumer shape recommended for a channel.
type ConsumerConfig struct {
	Stream             string
	DurableName        string
	DeliverSubject     string
	DeliverPolicy      string
	ReplayPolicy       string
	AckPolicy          string
	FlowControl        bool
	IdleHeartbeat      bool
	InactiveThresholdS int
	Description        string
	OptStartTime       string
}

// LiveConsumerConfig returns the shared livestream push consumer shape.
func LiveConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:         StreamTSPI,
		DurableName:    "LIVE_MAIN",
		DeliverSubject: LivestreamSubject,
		DeliverPolicy:  "deliver_new",
		AckPolicy:      "none",
		FlowControl:    true,
		IdleHeartbeat:  true,
	}
}

// ReplayConsumerConfig returns the consumer shape for a replay channel.
// Timestamp-keyed group replays deliver by start time; label and private
// replays deliver new traffic positioned by the operator.
func ReplayConsumerConfig(d Descriptor) (ConsumerConfig, error) {
	if d.Kind != GroupReplay && d.Kind != PrivateReplay {
		return ConsumerConfig{}, fmt.Errorf("%w: consumer config requires a replay channel, got %s", ErrValidation, d.Kind)
	}
	cfg := ConsumerConfig{
		Stream:         d.Stream,
		DeliverSubject: d.Subject,
		DeliverPolicy:  "deliver_new",
		ReplayPolicy:   "original",
		AckPolicy:      "none",
		FlowControl:    true,
		IdleHeartbeat:  true,
	}
	if d.Start != "" {
		cfg.DeliverPolicy = "by_start_time"
		cfg.OptStartTime = d.Start
	}
	if d.Kind == GroupReplay {
		cfg.Description = "Group replay " + d.ChannelID
	} else {
		cfg.InactiveThresholdS = 120
	}
	return cfg, nil
}
