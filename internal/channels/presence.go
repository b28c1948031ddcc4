package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// OperatorEvent is a human-readable line derived from presence traffic for
// the operator console event log.
type OperatorEvent struct {
	Timestamp time.Time
	Message   string
}

// ClientPresence is the tracked view of one connected client.
type ClientPresence struct {
	ClientID     string
	ChannelID    string
	Subject      string
	State        string
	ConnectionTS time.Time
	LastSeenTS   time.Time
	Operator     string
	SourceIP     string
	PingMS       float64
	HasPing      bool
}

// ChannelDisplay returns the best label for the client's current channel.
func (p ClientPresence) ChannelDisplay() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	if p.Subject != "" {
		return p.Subject
	}
	return "unknown"
}

// PresenceTracker folds status heartbeats into per-client presence rows and
// derives operator events from state transitions. ConnectionTS is set on
// first sight and never advances; LastSeenTS only moves forward.
type PresenceTracker struct {
	mu      sync.Mutex
	clients map[string]*ClientPresence
	order   []string
	clock   timeutil.Clock
}

// NewPresenceTracker builds an empty tracker. A nil clock selects the wall
// clock, used only when heartbeats omit their timestamp.
func NewPresenceTracker(clock timeutil.Clock) *PresenceTracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PresenceTracker{clients: map[string]*ClientPresence{}, clock: clock}
}

// Snapshot lists tracked clients in first-seen order.
func (t *PresenceTracker) Snapshot() []ClientPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ClientPresence, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.clients[id])
	}
	return out
}

// ProcessRaw decodes a CBOR heartbeat and folds it in. Undecodable payloads
// are ignored.
func (t *PresenceTracker) ProcessRaw(raw []byte) (*ClientPresence, []OperatorEvent) {
	payload, err := wire.DecodeMap(raw)
	if err != nil {
		return nil, nil
	}
	return t.ProcessPayload(payload)
}

// ProcessPayload folds one decoded heartbeat into the tracker.
func (t *PresenceTracker) ProcessPayload(payload map[string]any) (*ClientPresence, []OperatorEvent) {
	clientID := firstString(payload["client_id"], payload["client"])
	if clientID == "" {
		return nil, nil
	}
	timestamp := t.timestampOf(payload["ts"])
	state := strings.ToUpper(strings.TrimSpace(stringOf(payload["state"])))
	channelID := firstString(payload["channel_id"])
	subject := firstString(payload["subject"])
	operator := firstString(payload["operator"], payload["operator_login"], payload["username"])
	sourceIP := firstString(payload["source_ip"], payload["remote_ip"], payload["ip"])
	ping, hasPing := floatOf(payload["ping_ms"])
	if !hasPing {
		ping, hasPing = floatOf(payload["ping"])
	}
	override, _ := payload["override"].(bool)

	t.mu.Lock()
	defer t.mu.Unlock()

	var events []OperatorEvent
	previous, known := t.clients[clientID]
	if !known {
		presence := &ClientPresence{
			ClientID:     clientID,
			ChannelID:    channelID,
			Subject:      subject,
			State:        state,
			ConnectionTS: timestamp,
			LastSeenTS:   timestamp,
			Operator:     operator,
			SourceIP:     sourceIP,
			PingMS:       ping,
			HasPing:      hasPing,
		}
		t.clients[clientID] = presence
		t.order = append(t.order, clientID)
		message := "New client connected"
		if sourceIP != "" {
			message += " from IP " + sourceIP
		}
		message += ": " + clientID
		events = append(events, OperatorEvent{Timestamp: timestamp, Message: message})
		snapshot := *presence
		return &snapshot, events
	}

	prevState := previous.State
	if channelID != "" {
		previous.ChannelID = channelID
	}
	if subject != "" {
		previous.Subject = subject
	}
	if state != "" {
		previous.State = state
	}
	if timestamp.After(previous.LastSeenTS) {
		previous.LastSeenTS = timestamp
	}
	if operator != "" {
		previous.Operator = operator
	}
	if sourceIP != "" {
		previous.SourceIP = sourceIP
	}
	if hasPing {
		previous.PingMS = ping
		previous.HasPing = true
	}

	if prevState != previous.State {
		events = append(events, stateEvent(*previous, timestamp, override)...)
	}
	snapshot := *previous
	return &snapshot, events
}

func stateEvent(p ClientPresence, timestamp time.Time, override bool) []OperatorEvent {
	switch {
	case strings.HasPrefix(p.State, string(FollowingGroupReplay)) ||
		strings.HasPrefix(p.State, string(FollowingPrivateReplay)):
		return []OperatorEvent{{
			Timestamp: timestamp,
			Message:   fmt.Sprintf("Client %s started replay on %s", p.ClientID, p.ChannelDisplay()),
		}}
	case p.State == string(FollowingLivestream) || p.State == string(LiveOverride):
		message := fmt.Sprintf("Client %s resumed live view", p.ClientID)
		if override {
			message = fmt.Sprintf("Client %s initiated live override", p.ClientID)
		}
		return []OperatorEvent{{Timestamp: timestamp, Message: message}}
	}
	return nil
}

func (t *PresenceTracker) timestampOf(value any) time.Time {
	switch v := value.(type) {
	case string:
		if parsed, err := timeutil.ParseFlexible(v); err == nil {
			return parsed
		}
	case float64:
		return timeutil.FromEpochSeconds(v)
	case int64:
		return time.Unix(v, 0).UTC()
	case uint64:
		return time.Unix(int64(v), 0).UTC()
	}
	return t.clock.Now().UTC()
}

func stringOf(value any) string {
	s, _ := value.(string)
	return s
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func floatOf(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
