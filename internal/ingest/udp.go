// Package ingest provides the raw TSPI frame sources: a UDP listener for
// network feeds and a serial port reader for direct sensor links.
package ingest

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
)

// FrameHandler consumes one raw datagram together with the instant it was
// read off the wire. Handlers must not retain the slice past the call.
type FrameHandler func(frame []byte, recv time.Time)

// UDPConfig configures the UDP frame listener.
type UDPConfig struct {
	// Address is the host:port to bind, e.g. ":5005".
	Address string
	// RcvBuf sets the socket receive buffer in bytes; zero keeps the OS
	// default.
	RcvBuf int
	// ReadTimeout bounds each read so shutdown is prompt. Defaults to
	// one second.
	ReadTimeout time.Duration
}

// UDPListener receives TSPI datagrams over UDP and hands each one to a
// frame handler. Oversized or truncated packets are counted and dropped.
type UDPListener struct {
	cfg     UDPConfig
	log     zerolog.Logger
	conn    *net.UDPConn
	handler FrameHandler
	ready   chan struct{}

	received int
	dropped  int
}

// NewUDPListener builds a listener; the handler is required.
func NewUDPListener(cfg UDPConfig, handler FrameHandler, log zerolog.Logger) (*UDPListener, error) {
	if handler == nil {
		return nil, fmt.Errorf("ingest: udp listener requires a frame handler")
	}
	if cfg.Address == "" {
		cfg.Address = ":5005"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &UDPListener{cfg: cfg, log: log, handler: handler, ready: make(chan struct{})}, nil
}

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address; valid once Ready is closed.
func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run binds the socket and reads datagrams until the context is cancelled.
func (l *UDPListener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("ingest: resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ingest: listen udp: %w", err)
	}
	l.conn = conn
	close(l.ready)
	defer conn.Close()

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			l.log.Warn().Err(err).Int("bytes", l.cfg.RcvBuf).Msg("could not set receive buffer")
		}
	}
	l.log.Info().Str("address", l.cfg.Address).Msg("udp listener started")

	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("ingest: set read deadline: %w", err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: udp read: %w", err)
		}
		recv := time.Now()
		l.received++
		if n != tspi.DatagramLength {
			l.dropped++
			l.log.Debug().Int("bytes", n).Msg("dropped datagram with unexpected size")
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.handler(frame, recv)
	}
}

// Stats reports datagrams received and dropped so far.
func (l *UDPListener) Stats() (received, dropped int) {
	return l.received, l.dropped
}
