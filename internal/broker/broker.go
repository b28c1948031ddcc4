// Package broker defines the capability interfaces every component uses to
// talk to the message layer, together with an in-memory JetStream simulator
// and the NATS JetStream adapter.
package broker

import (
	"errors"
	"time"
)

// Message is one delivered broker message.
type Message struct {
	Subject   string
	Data      []byte
	Header    map[string]string
	Timestamp time.Time

	ack func() error
}

// Ack acknowledges the message to the broker. Messages from the in-memory
// stream ack as a no-op.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// WithAck attaches an acknowledgement callback; used by adapters.
func (m *Message) WithAck(fn func() error) *Message {
	m.ack = fn
	return m
}

// MsgID returns the deduplication id header, if present.
func (m *Message) MsgID() string {
	return m.Header[headerMsgID]
}

const headerMsgID = "Nats-Msg-Id"

// Publisher appends messages to a stream. The boolean result reports
// whether the message was stored: a duplicate Nats-Msg-Id inside the dedup
// window is a silent no-op that returns false.
type Publisher interface {
	Publish(subject string, data []byte, header map[string]string, timestamp time.Time) (bool, error)
}

// Consumer is a pull cursor over a stream filtered by a subject pattern.
type Consumer interface {
	// Pull returns up to batch messages. An empty slice means no traffic
	// is currently available; callers yield and retry.
	Pull(batch int) ([]*Message, error)

	// Pending reports how many matching messages remain undelivered.
	Pending() (int, error)
}

// ConsumerSource creates pull consumers. Implemented by the in-memory
// stream and the NATS client so the archiver and player wire identically in
// tests and production.
type ConsumerSource interface {
	CreatePullConsumer(filter, durable string) (Consumer, error)
}

// DeliverPolicy selects where a consumer starts reading.
type DeliverPolicy int

const (
	// DeliverNew delivers only messages published after consumer creation.
	DeliverNew DeliverPolicy = iota
	// DeliverByStartTime delivers from a caller-supplied instant; the
	// stream must still retain history for that instant.
	DeliverByStartTime
)

// ErrStartTimeUnavailable reports a by_start_time consumer whose requested
// instant falls before the stream's retention horizon.
var ErrStartTimeUnavailable = errors.New("broker: requested start time precedes retention horizon")

// ErrPublish reports a transport-level publish failure.
var ErrPublish = errors.New("broker: publish failed")
