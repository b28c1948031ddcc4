// Package producer turns raw TSPI datagrams into CBOR envelopes on the
// broker. One producer instance serialises all publishes; feed it from a UDP
// listener, a serial source or a generator.
package producer

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// Envelope is the decoded, enriched form of one datagram as published on
// the broker.
type Envelope struct {
	Type        string             `cbor:"type"`
	SensorID    uint16             `cbor:"sensor_id"`
	Day         uint16             `cbor:"day"`
	TimeS       float64            `cbor:"time_s"`
	Status      uint8              `cbor:"status"`
	StatusFlags map[string]bool    `cbor:"status_flags"`
	RecvEpochMS int64              `cbor:"recv_epoch_ms"`
	RecvISO     string             `cbor:"recv_iso"`
	Payload     map[string]float64 `cbor:"payload"`
}

// Config tunes a producer instance.
type Config struct {
	// SubjectPrefix replaces the default "tspi" subject root.
	SubjectPrefix string
	// AllowedSensors restricts publishing to the listed sensor ids. Empty
	// means every sensor passes.
	AllowedSensors []uint16
}

// Metrics counts producer outcomes. Register with NewMetrics.
type Metrics struct {
	Published  prometheus.Counter
	Duplicates prometheus.Counter
	ParseDrops prometheus.Counter
	Filtered   prometheus.Counter
}

// NewMetrics registers the producer counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "producer", Name: "published_total",
			Help: "Datagrams published to the broker.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "producer", Name: "duplicates_total",
			Help: "Datagrams suppressed by broker deduplication.",
		}),
		ParseDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "producer", Name: "parse_drops_total",
			Help: "Datagrams rejected by the binary codec.",
		}),
		Filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "producer", Name: "filtered_total",
			Help: "Datagrams dropped by the sensor allow-list.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Duplicates, m.ParseDrops, m.Filtered)
	}
	return m
}

// Producer parses datagrams and publishes their envelopes.
type Producer struct {
	pub     broker.Publisher
	clock   timeutil.Clock
	log     zerolog.Logger
	metrics *Metrics
	prefix  string
	allowed map[uint16]struct{}
}

// New builds a producer. A nil clock selects the wall clock; nil metrics
// counts into an unregistered set.
func New(pub broker.Publisher, clock timeutil.Clock, log zerolog.Logger, metrics *Metrics, cfg Config) *Producer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	p := &Producer{
		pub:     pub,
		clock:   clock,
		log:     log,
		metrics: metrics,
		prefix:  cfg.SubjectPrefix,
	}
	if len(cfg.AllowedSensors) > 0 {
		p.allowed = make(map[uint16]struct{}, len(cfg.AllowedSensors))
		for _, id := range cfg.AllowedSensors {
			p.allowed[id] = struct{}{}
		}
	}
	return p
}

// Ingest parses one raw datagram and publishes its envelope, stamping the
// wall clock as the receive time. The returned boolean reports whether the
// broker stored the message: false with a nil error means either a dedup
// hit or an allow-list drop. Parse failures return an error wrapping
// tspi.ErrParse and never reach the broker.
func (p *Producer) Ingest(raw []byte) (*Envelope, bool, error) {
	return p.IngestAt(raw, time.Time{})
}

// IngestAt is Ingest with an explicit receive timestamp, for sources that
// observe arrival themselves. A zero recv falls back to the wall clock.
func (p *Producer) IngestAt(raw []byte, recv time.Time) (*Envelope, bool, error) {
	d, err := tspi.Parse(raw)
	if err != nil {
		p.metrics.ParseDrops.Inc()
		p.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropped unparseable datagram")
		return nil, false, err
	}

	if p.allowed != nil {
		if _, ok := p.allowed[d.SensorID]; !ok {
			p.metrics.Filtered.Inc()
			return nil, false, nil
		}
	}

	now := recv
	if now.IsZero() {
		now = p.clock.Now()
	}
	envelope := &Envelope{
		Type:        string(d.Kind),
		SensorID:    d.SensorID,
		Day:         d.Day,
		TimeS:       d.TimeSeconds(),
		Status:      d.Status,
		StatusFlags: d.StatusFlags(),
		RecvEpochMS: timeutil.EpochMillis(now),
		RecvISO:     timeutil.ISOFormat(now),
		Payload:     d.Payload,
	}

	body, err := wire.Marshal(envelope)
	if err != nil {
		return nil, false, fmt.Errorf("producer: encode envelope: %w", err)
	}

	header := map[string]string{wire.HeaderMsgID: d.DedupID()}
	stored, err := p.pub.Publish(d.Subject(p.prefix), body, header, now)
	if err != nil {
		return nil, false, fmt.Errorf("producer: publish %s: %w", d.Subject(p.prefix), err)
	}
	if stored {
		p.metrics.Published.Inc()
	} else {
		p.metrics.Duplicates.Inc()
	}
	return envelope, stored, nil
}

// Result is the outcome of one asynchronous ingest.
type Result struct {
	Envelope  *Envelope
	Published bool
	Err       error
}

// IngestAsync runs Ingest on the producer's goroutine-free path and delivers
// the outcome on a buffered channel, so UDP read loops never block on the
// broker round trip result.
func (p *Producer) IngestAsync(raw []byte) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		envelope, published, err := p.Ingest(raw)
		out <- Result{Envelope: envelope, Published: published, Err: err}
	}()
	return out
}

// Run drains raw datagrams from frames until the channel closes, ingesting
// each in order. Parse failures are counted and skipped; publish failures
// abort the run.
func (p *Producer) Run(frames <-chan []byte) error {
	for raw := range frames {
		if _, _, err := p.Ingest(raw); err != nil {
			if errors.Is(err, tspi.ErrParse) {
				continue
			}
			return err
		}
	}
	return nil
}
