package player

import (
	"fmt"
	"sort"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// Source delivers decoded broker payloads to the player.
type Source interface {
	// Fetch returns up to batch decoded payloads, in delivery order.
	Fetch(batch int) ([]map[string]any, error)
	// Pending reports how many messages remain undelivered.
	Pending() (int, error)
}

// SourceFactory builds the source for a channel when the player switches to
// it.
type SourceFactory func() (Source, error)

// Receiver decodes CBOR payloads from one pull consumer. Messages are
// acknowledged on fetch; playback channels are fan-out with no redelivery.
type Receiver struct {
	consumer broker.Consumer
}

// NewReceiver wraps a pull consumer.
func NewReceiver(consumer broker.Consumer) *Receiver {
	return &Receiver{consumer: consumer}
}

// Fetch pulls and decodes up to batch messages. Undecodable payloads are
// skipped.
func (r *Receiver) Fetch(batch int) ([]map[string]any, error) {
	messages, err := r.consumer.Pull(batch)
	if err != nil {
		return nil, fmt.Errorf("player: fetch: %w", err)
	}
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		payload, err := wire.DecodeMap(msg.Data)
		if err != nil {
			_ = msg.Ack()
			continue
		}
		if err := msg.Ack(); err != nil {
			return out, fmt.Errorf("player: ack: %w", err)
		}
		out = append(out, payload)
	}
	return out, nil
}

// Pending reports the consumer's undelivered backlog.
func (r *Receiver) Pending() (int, error) {
	return r.consumer.Pending()
}

// CompositeReceiver merges several receivers into one source, ordering
// fetched payloads by (receive instant, arrival sequence) so traffic from
// parallel subjects interleaves the way it arrived.
type CompositeReceiver struct {
	receivers []*Receiver
	sequence  int
}

// NewCompositeReceiver combines the given receivers. At least one is
// required.
func NewCompositeReceiver(receivers ...*Receiver) (*CompositeReceiver, error) {
	if len(receivers) == 0 {
		return nil, fmt.Errorf("player: composite receiver needs at least one receiver")
	}
	return &CompositeReceiver{receivers: receivers}, nil
}

type annotated struct {
	key      float64
	sequence int
	payload  map[string]any
}

// Fetch pulls one batch from every receiver and returns the merged,
// ordered results.
func (c *CompositeReceiver) Fetch(batch int) ([]map[string]any, error) {
	var merged []annotated
	for _, receiver := range c.receivers {
		payloads, err := receiver.Fetch(batch)
		if err != nil {
			return nil, err
		}
		for _, payload := range payloads {
			key, ok := receiveInstant(payload)
			if !ok {
				key = float64(c.sequence)
			}
			merged = append(merged, annotated{key: key, sequence: c.sequence, payload: payload})
			c.sequence++
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].key != merged[j].key {
			return merged[i].key < merged[j].key
		}
		return merged[i].sequence < merged[j].sequence
	})
	out := make([]map[string]any, len(merged))
	for i, item := range merged {
		out[i] = item.payload
	}
	return out, nil
}

// Pending sums the backlog across the merged receivers.
func (c *CompositeReceiver) Pending() (int, error) {
	total := 0
	for _, receiver := range c.receivers {
		pending, err := receiver.Pending()
		if err != nil {
			continue
		}
		total += pending
	}
	return total, nil
}

// receiveInstant extracts the payload's receive time in epoch seconds.
func receiveInstant(payload map[string]any) (float64, bool) {
	switch v := payload["recv_epoch_ms"].(type) {
	case int64:
		return float64(v) / 1000.0, true
	case uint64:
		return float64(v) / 1000.0, true
	case float64:
		return v / 1000.0, true
	}
	if iso, ok := payload["recv_iso"].(string); ok && iso != "" {
		if t, err := timeutil.ParseFlexible(iso); err == nil {
			return timeutil.EpochSeconds(t), true
		}
	}
	return 0, false
}
