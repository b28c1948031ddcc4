// Package replay republishes archived traffic onto per-room playout
// subjects, pacing messages by their original arrival spacing.
package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/store"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// Metrics counts replayed traffic. Register with NewMetrics.
type Metrics struct {
	Replayed prometheus.Counter
}

// NewMetrics registers the replayer counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "replayer", Name: "replayed_total",
			Help: "Archived messages republished onto playout subjects.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Replayed)
	}
	return m
}

// Replayer replays stored messages from the archive.
type Replayer struct {
	store   *store.Store
	pub     broker.Publisher
	clock   timeutil.Clock
	log     zerolog.Logger
	metrics *Metrics
}

// New builds a replayer. A nil clock selects the wall clock; nil metrics
// counts into an unregistered set.
func New(st *store.Store, pub broker.Publisher, clock timeutil.Clock, log zerolog.Logger, metrics *Metrics) *Replayer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Replayer{store: st, pub: pub, clock: clock, log: log, metrics: metrics}
}

// ReplayTimeWindow republishes every archived message in [start, end]
// (epoch seconds) into the given room. With pace set, inter-message delays
// reproduce the original arrival spacing.
func (r *Replayer) ReplayTimeWindow(ctx context.Context, room string, start, end float64, pace bool) ([]store.MessageRecord, error) {
	records, err := r.store.FetchMessagesBetween(start, end)
	if err != nil {
		return nil, err
	}
	if err := r.replay(ctx, room, records, pace); err != nil {
		return nil, err
	}
	return records, nil
}

// ReplayTag republishes the window of messages centred on a tag's
// timestamp. Unknown tags replay nothing.
func (r *Replayer) ReplayTag(ctx context.Context, room, tagID string, windowSeconds float64, pace bool) ([]store.MessageRecord, error) {
	records, err := r.store.FetchMessagesForTag(tagID, windowSeconds)
	if err != nil {
		return nil, err
	}
	if err := r.replay(ctx, room, records, pace); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Replayer) replay(ctx context.Context, room string, records []store.MessageRecord, pace bool) error {
	var lastRecvMS *int64
	var lastTimeS *float64

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pace {
			if delay := computeDelay(record, lastRecvMS, lastTimeS); delay > 0 {
				r.clock.Sleep(delay)
			}
		}

		header := make(map[string]string, len(record.Headers)+1)
		for k, v := range record.Headers {
			header[k] = v
		}
		if msgID, ok := header[wire.HeaderMsgID]; ok {
			header[wire.HeaderMsgID] = fmt.Sprintf("%s:replay:%s", msgID, room)
		}
		if _, ok := header[wire.HeaderReplayFrom]; !ok {
			header[wire.HeaderReplayFrom] = wire.ReplayOriginDatastore
		}

		subject := playoutSubject(room, record.Subject)
		if _, err := r.pub.Publish(subject, record.CBOR, header, timeutil.FromEpochSeconds(record.PublishedTS)); err != nil {
			return fmt.Errorf("replay: publish %s: %w", subject, err)
		}
		r.metrics.Replayed.Inc()

		lastRecvMS = record.RecvEpochMS
		lastTimeS = record.TimeS
	}
	return nil
}

// playoutSubject scopes a stored subject into a room's playout namespace,
// dropping the original first token.
func playoutSubject(room, original string) string {
	suffix := original
	if i := strings.Index(original, "."); i >= 0 {
		suffix = original[i+1:]
	}
	return fmt.Sprintf("player.%s.playout.%s", room, suffix)
}

// computeDelay derives the pre-publish pause for one record: the
// recv_epoch_ms delta when both sides carry it, else the time_s delta, else
// zero.
func computeDelay(record store.MessageRecord, lastRecvMS *int64, lastTimeS *float64) time.Duration {
	if record.RecvEpochMS != nil && lastRecvMS != nil {
		if delta := *record.RecvEpochMS - *lastRecvMS; delta > 0 {
			return time.Duration(delta) * time.Millisecond
		}
	}
	if record.TimeS != nil && lastTimeS != nil {
		if delta := *record.TimeS - *lastTimeS; delta > 0 {
			return time.Duration(delta * float64(time.Second))
		}
	}
	return 0
}
