// Package tags publishes collaborative timeline tag events.
package tags

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// BroadcastSubject carries every tag event.
const BroadcastSubject = "tags.broadcast"

// Tag statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// ErrValidation reports a rejected tag argument.
var ErrValidation = errors.New("tags: validation error")

// ErrPublishFailed reports a tag event that did not reach the broker.
var ErrPublishFailed = errors.New("tags: publish failed")

// Payload is the wire form of one tag event.
type Payload struct {
	ID        string         `cbor:"id"`
	TS        string         `cbor:"ts"`
	Label     string         `cbor:"label"`
	Status    string         `cbor:"status"`
	UpdatedTS string         `cbor:"updated_ts"`
	Creator   string         `cbor:"creator,omitempty"`
	Notes     string         `cbor:"notes,omitempty"`
	Extra     map[string]any `cbor:"extra,omitempty"`
}

// Sender publishes tag create, update and delete events.
type Sender struct {
	pub      broker.Publisher
	senderID string
	clock    timeutil.Clock
}

// NewSender builds a tag sender. A nil clock selects the wall clock.
func NewSender(pub broker.Publisher, senderID string, clock timeutil.Clock) *Sender {
	if senderID == "" {
		senderID = "tag-ui"
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sender{pub: pub, senderID: senderID, clock: clock}
}

// SenderID returns the creator identity attached to published tags.
func (s *Sender) SenderID() string {
	return s.senderID
}

// CreateTag publishes a new tag annotating the given timestamp with a
// comment. A zero timestamp annotates now.
func (s *Sender) CreateTag(comment string, timestamp time.Time, extra map[string]any) (*Payload, error) {
	label := strings.TrimSpace(comment)
	if label == "" {
		return nil, fmt.Errorf("%w: comment must be non-empty", ErrValidation)
	}
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	iso := timeutil.ISOFormat(timestamp)
	payload := &Payload{
		ID:        uuid.NewString(),
		TS:        iso,
		Label:     label,
		Status:    StatusActive,
		UpdatedTS: iso,
		Creator:   s.senderID,
		Notes:     label,
		Extra:     extra,
	}
	return s.publish(payload, payload.ID)
}

// UpdateTag publishes a revised label and notes for an existing tag. TS is
// preserved by the caller passing the original creation instant.
func (s *Sender) UpdateTag(id string, createdAt time.Time, label, notes string) (*Payload, error) {
	id = strings.TrimSpace(id)
	label = strings.TrimSpace(label)
	if id == "" || label == "" {
		return nil, fmt.Errorf("%w: tag id and label must be non-empty", ErrValidation)
	}
	payload := &Payload{
		ID:        id,
		TS:        timeutil.ISOFormat(createdAt),
		Label:     label,
		Status:    StatusActive,
		UpdatedTS: timeutil.ISOFormat(s.clock.Now()),
		Creator:   s.senderID,
		Notes:     strings.TrimSpace(notes),
	}
	return s.publish(payload, fmt.Sprintf("%s:update:%s", id, payload.UpdatedTS))
}

// DeleteTag publishes a deletion event for an existing tag.
func (s *Sender) DeleteTag(id string, createdAt time.Time, label string) (*Payload, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: tag id must be non-empty", ErrValidation)
	}
	payload := &Payload{
		ID:        id,
		TS:        timeutil.ISOFormat(createdAt),
		Label:     strings.TrimSpace(label),
		Status:    StatusDeleted,
		UpdatedTS: timeutil.ISOFormat(s.clock.Now()),
		Creator:   s.senderID,
	}
	return s.publish(payload, fmt.Sprintf("%s:delete:%s", id, payload.UpdatedTS))
}

func (s *Sender) publish(payload *Payload, msgID string) (*Payload, error) {
	encoded, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tags: encode event: %w", err)
	}
	header := map[string]string{wire.HeaderMsgID: msgID}
	if s.senderID != "" {
		header[wire.HeaderTagCreator] = s.senderID
	}
	if _, err := s.pub.Publish(BroadcastSubject, encoded, header, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPublishFailed, payload.ID, err)
	}
	return payload, nil
}
