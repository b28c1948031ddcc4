package channels

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// GroupReplayStartMessage is the control broadcast announcing a new group
// replay channel.
type GroupReplayStartMessage struct {
	Type        string `cbor:"type"`
	ChannelID   string `cbor:"channel_id"`
	DisplayName string `cbor:"display_name"`
	Stream      string `cbor:"stream"`
	Identifier  string `cbor:"identifier,omitempty"`
	Start       string `cbor:"start,omitempty"`
	End         string `cbor:"end,omitempty"`
}

// GroupReplayStopMessage is the control broadcast retiring a group replay.
type GroupReplayStopMessage struct {
	Type      string `cbor:"type"`
	ChannelID string `cbor:"channel_id"`
}

// OpsControlSender publishes operator control broadcasts and keeps the
// channel manager in sync with what was announced.
type OpsControlSender struct {
	pub      broker.Publisher
	manager  *Manager
	senderID string
	clock    timeutil.Clock
}

// NewOpsControlSender builds a sender. A nil manager gets a fresh one; a
// nil clock selects the wall clock.
func NewOpsControlSender(pub broker.Publisher, manager *Manager, senderID string, clock timeutil.Clock) *OpsControlSender {
	if manager == nil {
		manager = NewManager(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if senderID == "" {
		senderID = "command-console"
	}
	return &OpsControlSender{pub: pub, manager: manager, senderID: senderID, clock: clock}
}

// Manager exposes the channel manager backing this sender.
func (s *OpsControlSender) Manager() *Manager {
	return s.manager
}

// StartGroupReplay creates a group replay channel and broadcasts
// GroupReplayStart on the ops control subject.
func (s *OpsControlSender) StartGroupReplay(identifier, stream, displayName string) (Descriptor, error) {
	channel, err := s.manager.StartGroupReplay(identifier, stream, displayName)
	if err != nil {
		return Descriptor{}, err
	}
	msg := GroupReplayStartMessage{
		Type:        "GroupReplayStart",
		ChannelID:   channel.ChannelID,
		DisplayName: channel.DisplayName,
		Stream:      channel.Stream,
		Identifier:  channel.Identifier,
		Start:       channel.Start,
		End:         channel.End,
	}
	if err := s.broadcast(channel.ChannelID, "start", msg); err != nil {
		return Descriptor{}, err
	}
	return channel, nil
}

// StopGroupReplay retires a group replay channel and broadcasts
// GroupReplayStop. An empty channelID stops the most recently started
// replay. Stopping an unknown channel returns nil without publishing.
func (s *OpsControlSender) StopGroupReplay(channelID string) (*GroupReplayStopMessage, error) {
	stopped, ok := s.manager.StopGroupReplay(channelID)
	if !ok {
		return nil, nil
	}
	msg := GroupReplayStopMessage{Type: "GroupReplayStop", ChannelID: stopped}
	if err := s.broadcast(stopped, "stop", msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *OpsControlSender) broadcast(channelID, action string, payload any) error {
	body, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channels: encode %s broadcast: %w", action, err)
	}
	header := map[string]string{
		wire.HeaderMsgID:     fmt.Sprintf("%s:%s:%s", channelID, action, uuid.NewString()),
		wire.HeaderOpsSender: s.senderID,
	}
	if _, err := s.pub.Publish(OpsControlSubject, body, header, s.clock.Now()); err != nil {
		return fmt.Errorf("channels: publish %s broadcast: %w", action, err)
	}
	return nil
}

// Status is the heartbeat a client publishes to announce its current
// channel and playback state.
type Status struct {
	ClientID  string  `cbor:"client_id"`
	State     string  `cbor:"state"`
	ChannelID string  `cbor:"channel_id"`
	Subject   string  `cbor:"subject"`
	Override  bool    `cbor:"override"`
	TS        string  `cbor:"ts"`
	Operator  string  `cbor:"operator,omitempty"`
	SourceIP  string  `cbor:"source_ip,omitempty"`
	PingMS    float64 `cbor:"ping_ms,omitempty"`
}

// StatusReporter publishes presence heartbeats for one client.
type StatusReporter struct {
	pub      broker.Publisher
	clientID string
	clock    timeutil.Clock
}

// NewStatusReporter builds a reporter for the given client id.
func NewStatusReporter(pub broker.Publisher, clientID string, clock timeutil.Clock) *StatusReporter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StatusReporter{pub: pub, clientID: clientID, clock: clock}
}

// Report publishes one heartbeat describing the client's current channel.
func (r *StatusReporter) Report(state ClientState, channel Descriptor, override bool) error {
	status := Status{
		ClientID:  r.clientID,
		State:     string(state),
		ChannelID: channel.ChannelID,
		Subject:   channel.Subject,
		Override:  override,
		TS:        timeutil.ISOFormat(r.clock.Now()),
	}
	body, err := wire.Marshal(status)
	if err != nil {
		return fmt.Errorf("channels: encode status: %w", err)
	}
	if _, err := r.pub.Publish(OpsStatusSubject, body, nil, r.clock.Now()); err != nil {
		return fmt.Errorf("channels: publish status: %w", err)
	}
	return nil
}
