package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig carries JetStream connection settings. Fields resolve from the
// environment so CLIs can omit flags on configured hosts.
type NATSConfig struct {
	Servers        []string      `env:"NATS_SERVERS" envSeparator:","`
	Stream         string        `env:"NATS_STREAM" envDefault:"TSPI"`
	ConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" envDefault:"2s"`
	PublishTimeout time.Duration `env:"NATS_PUBLISH_TIMEOUT" envDefault:"2s"`
	PullTimeout    time.Duration `env:"NATS_PULL_TIMEOUT" envDefault:"1s"`
	ReconnectWait  time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"500ms"`
}

// Client wraps a NATS connection and its JetStream context behind the
// package's capability interfaces.
type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg NATSConfig
	log zerolog.Logger
}

// Connect dials the configured servers and initialises JetStream. Fatal if
// no server answers within the connect deadline.
func Connect(cfg NATSConfig, log zerolog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one NATS server must be provided")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = time.Second
	}

	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats async error")
		}),
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream(nats.MaxWait(cfg.PublishTimeout))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return &Client{nc: nc, js: js, cfg: cfg, log: log}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

// EnsureStream creates the stream if absent. An existing stream is accepted
// when its subject set equals the request after normalisation; any other
// shape is an error rather than a silent reconfigure.
func (c *Client) EnsureStream(name string, subjects []string, replicas int) error {
	normalized := NormalizeStreamSubjects(subjects)
	info, err := c.js.StreamInfo(name)
	if err == nil {
		if subjectSetsEqual(info.Config.Subjects, normalized) {
			return nil
		}
		return fmt.Errorf("stream %s exists with subjects %v, requested %v",
			name, info.Config.Subjects, normalized)
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	streamCfg := &nats.StreamConfig{
		Name:       name,
		Subjects:   normalized,
		Duplicates: 2 * time.Minute,
	}
	if replicas > 0 {
		streamCfg.Replicas = replicas
	}
	if _, err := c.js.AddStream(streamCfg); err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	c.log.Info().Str("stream", name).Strs("subjects", normalized).Msg("created stream")
	return nil
}

func subjectSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Publisher returns the JetStream-backed publisher.
func (c *Client) Publisher() Publisher {
	return &natsPublisher{js: c.js}
}

type natsPublisher struct {
	js nats.JetStreamContext
}

func (p *natsPublisher) Publish(subject string, data []byte, header map[string]string, timestamp time.Time) (bool, error) {
	_ = timestamp // JetStream stamps messages server-side
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range header {
		msg.Header.Set(k, v)
	}
	ack, err := p.js.PublishMsg(msg)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return !ack.Duplicate, nil
}

// CreatePullConsumer implements ConsumerSource against the configured
// default stream.
func (c *Client) CreatePullConsumer(filter, durable string) (Consumer, error) {
	return c.PullConsumer(c.cfg.Stream, filter, durable, DeliverNew, time.Time{})
}

// PullConsumer creates a pull consumer on the given stream with an explicit
// deliver policy. DeliverByStartTime is rejected with
// ErrStartTimeUnavailable when the instant precedes the stream's retained
// history.
func (c *Client) PullConsumer(stream, filter, durable string, policy DeliverPolicy, startTime time.Time) (Consumer, error) {
	opts := []nats.SubOpt{nats.AckExplicit()}
	if stream != "" {
		opts = append(opts, nats.BindStream(stream))
	}
	switch policy {
	case DeliverByStartTime:
		if stream != "" {
			info, err := c.js.StreamInfo(stream)
			if err != nil {
				return nil, fmt.Errorf("stream info %s: %w", stream, err)
			}
			if info.State.Msgs > 0 && startTime.Before(info.State.FirstTime) {
				return nil, fmt.Errorf("%w: %s < %s", ErrStartTimeUnavailable,
					startTime.UTC().Format(time.RFC3339), info.State.FirstTime.UTC().Format(time.RFC3339))
			}
		}
		st := startTime
		opts = append(opts, nats.StartTime(st))
	default:
		opts = append(opts, nats.DeliverNew())
	}

	sub, err := c.js.PullSubscribe(filter, durable, opts...)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", filter, err)
	}
	return &natsConsumer{sub: sub, pullTimeout: c.cfg.PullTimeout}, nil
}

type natsConsumer struct {
	sub         *nats.Subscription
	pullTimeout time.Duration
}

func (c *natsConsumer) Pull(batch int) ([]*Message, error) {
	msgs, err := c.sub.Fetch(batch, nats.MaxWait(c.pullTimeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		header := make(map[string]string, len(m.Header))
		for k := range m.Header {
			header[k] = m.Header.Get(k)
		}
		var ts time.Time
		if meta, err := m.Metadata(); err == nil {
			ts = meta.Timestamp
		}
		msg := &Message{
			Subject:   m.Subject,
			Data:      m.Data,
			Header:    header,
			Timestamp: ts,
		}
		out = append(out, msg.WithAck(func() error { return m.Ack() }))
	}
	return out, nil
}

func (c *natsConsumer) Pending() (int, error) {
	info, err := c.sub.ConsumerInfo()
	if err != nil {
		return 0, fmt.Errorf("consumer info: %w", err)
	}
	return int(info.NumPending), nil
}
