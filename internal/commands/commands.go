// Package commands builds and publishes operator display commands.
package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/units"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// SubjectPrefix roots every display command subject.
const SubjectPrefix = "tspi.cmd.display"

// Command names.
const (
	NameUnits           = "display.units"
	NameMarkerColor     = "display.marker_color"
	NameSessionMetadata = "display.session_metadata"
)

// ErrValidation reports a rejected command argument.
var ErrValidation = errors.New("commands: validation error")

// ErrPublishFailed reports a command that did not reach the broker.
var ErrPublishFailed = errors.New("commands: publish failed")

// Payload is the wire form of one display command.
type Payload struct {
	CmdID   string         `cbor:"cmd_id"`
	Name    string         `cbor:"name"`
	TS      string         `cbor:"ts"`
	Sender  string         `cbor:"sender"`
	Payload map[string]any `cbor:"payload"`
}

// Sender publishes display commands with per-command dedup ids.
type Sender struct {
	pub      broker.Publisher
	senderID string
	clock    timeutil.Clock
}

// NewSender builds a command sender. A nil clock selects the wall clock.
func NewSender(pub broker.Publisher, senderID string, clock timeutil.Clock) *Sender {
	if senderID == "" {
		senderID = "command-ui"
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sender{pub: pub, senderID: senderID, clock: clock}
}

// SendUnits publishes a display unit switch. Units are metric or imperial,
// case-insensitively.
func (s *Sender) SendUnits(system string) (*Payload, error) {
	normalized := strings.ToLower(strings.TrimSpace(system))
	if !units.IsValid(normalized) {
		return nil, fmt.Errorf("%w: units must be one of %s, got %q",
			ErrValidation, units.GetValidUnitsString(), system)
	}
	return s.publish(NameUnits, "units", map[string]any{"units": normalized})
}

// SendMarkerColor publishes a marker colour change.
func (s *Sender) SendMarkerColor(color string) (*Payload, error) {
	normalized := strings.TrimSpace(color)
	if normalized == "" {
		return nil, fmt.Errorf("%w: color must be non-empty", ErrValidation)
	}
	return s.publish(NameMarkerColor, "marker_color", map[string]any{"marker_color": normalized})
}

// SendSessionMetadata publishes the active session's name and id.
func (s *Sender) SendSessionMetadata(name, id string) (*Payload, error) {
	name = strings.TrimSpace(name)
	id = strings.TrimSpace(id)
	if name == "" || id == "" {
		return nil, fmt.Errorf("%w: session name and id must be non-empty", ErrValidation)
	}
	body := map[string]any{"session_metadata": map[string]any{"name": name, "id": id}}
	return s.publish(NameSessionMetadata, "session_metadata", body)
}

func (s *Sender) publish(name, subjectTail string, body map[string]any) (*Payload, error) {
	payload := &Payload{
		CmdID:   uuid.NewString(),
		Name:    name,
		TS:      timeutil.ISOFormat(s.clock.Now()),
		Sender:  s.senderID,
		Payload: body,
	}
	encoded, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("commands: encode %s: %w", name, err)
	}
	header := map[string]string{
		wire.HeaderMsgID:     payload.CmdID,
		wire.HeaderCmdSender: s.senderID,
	}
	subject := SubjectPrefix + "." + subjectTail
	if _, err := s.pub.Publish(subject, encoded, header, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPublishFailed, payload.CmdID, err)
	}
	return payload, nil
}
