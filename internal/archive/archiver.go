// Package archive drains broker subjects into the SQLite store.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/commands"
	"github.com/viljo/Low-latency-stream-kit/internal/store"
	"github.com/viljo/Low-latency-stream-kit/internal/tags"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// Config tunes the archiver.
type Config struct {
	// DurablePrefix names the archiver's durable consumers.
	DurablePrefix string
	// BatchSize bounds each pull.
	BatchSize int
}

// Metrics counts archiver outcomes. Register with NewMetrics.
type Metrics struct {
	Archived   prometheus.Counter
	Duplicates prometheus.Counter
	Dropped    prometheus.Counter
}

// NewMetrics registers the archiver counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "archiver", Name: "archived_total",
			Help: "Messages newly persisted to the store.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "archiver", Name: "duplicates_total",
			Help: "Redelivered messages skipped by the dedup id.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "archiver", Name: "dropped_total",
			Help: "Undecodable messages acked away without storing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Archived, m.Duplicates, m.Dropped)
	}
	return m
}

type subscription struct {
	kind     string
	consumer broker.Consumer
}

// Archiver pulls telemetry, command and tag traffic and persists each
// message exactly once.
type Archiver struct {
	store   *store.Store
	clock   timeutil.Clock
	log     zerolog.Logger
	metrics *Metrics
	cfg     Config
	subs    []subscription
}

// New creates an archiver with pull consumers for the three archived
// subject spaces. Nil metrics counts into an unregistered set.
func New(source broker.ConsumerSource, st *store.Store, clock timeutil.Clock, log zerolog.Logger, metrics *Metrics, cfg Config) (*Archiver, error) {
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "archiver"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	filters := []struct {
		kind   string
		filter string
	}{
		{store.KindTelemetry, "tspi.>"},
		{store.KindCommand, commands.SubjectPrefix + ".>"},
		{store.KindTag, tags.BroadcastSubject},
	}

	a := &Archiver{store: st, clock: clock, log: log, metrics: metrics, cfg: cfg}
	for _, f := range filters {
		consumer, err := source.CreatePullConsumer(f.filter, cfg.DurablePrefix+"."+f.kind)
		if err != nil {
			return nil, fmt.Errorf("archive: create %s consumer: %w", f.kind, err)
		}
		a.subs = append(a.subs, subscription{kind: f.kind, consumer: consumer})
	}
	return a, nil
}

// Drain pulls one batch per subscription, persisting and acking each
// message. Returns how many messages were newly stored.
func (a *Archiver) Drain() (int, error) {
	stored := 0
	for _, sub := range a.subs {
		messages, err := sub.consumer.Pull(a.cfg.BatchSize)
		if err != nil {
			return stored, fmt.Errorf("archive: pull %s: %w", sub.kind, err)
		}
		for _, msg := range messages {
			inserted, err := a.persist(sub.kind, msg)
			if err != nil {
				return stored, err
			}
			if inserted {
				stored++
			}
		}
	}
	return stored, nil
}

// Run drains until ctx is cancelled, sleeping briefly when no traffic is
// available.
func (a *Archiver) Run(ctx context.Context, idleWait func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		stored, err := a.Drain()
		if err != nil {
			return err
		}
		if stored == 0 && idleWait != nil {
			idleWait()
		}
	}
}

// persist stores one message. The ack follows the store insert so a crash
// between the two redelivers rather than loses; the dedup id makes the
// redelivered insert a no-op.
func (a *Archiver) persist(defaultKind string, msg *broker.Message) (bool, error) {
	payload, err := wire.DecodeMap(msg.Data)
	if err != nil {
		// Undecodable traffic is logged and acked away rather than
		// poisoning the consumer.
		a.metrics.Dropped.Inc()
		a.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
		return false, msg.Ack()
	}

	publishedTS := msg.Timestamp
	if publishedTS.IsZero() {
		publishedTS = a.clock.Now()
	}
	kind := classify(msg.Subject, defaultKind)

	messageID, inserted, err := a.store.InsertMessage(
		msg.Subject, kind, payload, msg.Header,
		timeutil.EpochSeconds(publishedTS), msg.Data)
	if err != nil {
		return false, err
	}
	if err := msg.Ack(); err != nil {
		return false, fmt.Errorf("archive: ack %s: %w", msg.Subject, err)
	}
	if !inserted {
		a.metrics.Duplicates.Inc()
		return false, nil
	}
	a.metrics.Archived.Inc()

	switch kind {
	case store.KindCommand:
		if err := a.store.UpsertCommand(payload, messageID, timeutil.EpochSeconds(publishedTS)); err != nil {
			return true, err
		}
	case store.KindTag:
		if err := a.store.ApplyTagEvent(msg.Subject, payload, messageID); err != nil {
			return true, err
		}
	}
	return true, nil
}

func classify(subject, defaultKind string) string {
	switch {
	case strings.Contains(subject, "cmd.display."):
		return store.KindCommand
	case strings.HasPrefix(subject, "tags."):
		return store.KindTag
	case strings.HasPrefix(subject, "tspi.") || strings.Contains(subject, ".tspi."):
		return store.KindTelemetry
	}
	return defaultKind
}
