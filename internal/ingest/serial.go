package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
)

// Frame is one complete datagram with the instant it came off the line.
type Frame struct {
	Data []byte
	Recv time.Time
}

// PortInterface abstracts the serial link so tests can substitute a
// scripted reader for a physical port.
type PortInterface interface {
	Frames() <-chan Frame
	Monitor(ctx context.Context) error
	Close() error
}

// Port reads fixed-length TSPI datagrams from a serial line.
type Port struct {
	port   serial.Port
	log    zerolog.Logger
	frames chan Frame
}

// OpenPort opens the named serial port at 115200 8N1.
func OpenPort(portName string, log zerolog.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ingest: open serial port %s: %w", portName, err)
	}
	return &Port{port: port, log: log, frames: make(chan Frame)}, nil
}

// Frames returns the channel of complete datagrams read from the port.
func (p *Port) Frames() <-chan Frame {
	return p.frames
}

// Close closes the underlying serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

// Monitor reads datagrams from the port and delivers them on the frames
// channel until the context is cancelled or the line closes.
func (p *Port) Monitor(ctx context.Context) error {
	defer p.Close()
	defer close(p.frames)
	return readFrames(ctx, p.port, p.frames, p.log)
}

// MockPort replays datagrams from an in-memory reader, standing in for a
// physical serial line in tests and demos.
type MockPort struct {
	Data   io.Reader
	Log    zerolog.Logger
	frames chan Frame
}

// NewMockPort wraps a reader holding concatenated datagrams.
func NewMockPort(data io.Reader, log zerolog.Logger) *MockPort {
	return &MockPort{Data: data, Log: log, frames: make(chan Frame)}
}

// Frames returns the channel of datagrams read from the backing reader.
func (m *MockPort) Frames() <-chan Frame {
	return m.frames
}

// Monitor reads every frame from the backing reader and then returns.
func (m *MockPort) Monitor(ctx context.Context) error {
	defer close(m.frames)
	return readFrames(ctx, m.Data, m.frames, m.Log)
}

// Close is a no-op for the mock.
func (m *MockPort) Close() error {
	return nil
}

// readFrames pulls fixed-length datagrams off the reader. The stream is
// framed purely by length; a short read at the end of input is discarded.
func readFrames(ctx context.Context, r io.Reader, frames chan<- Frame, log zerolog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame := make([]byte, tspi.DatagramLength)
		if _, err := io.ReadFull(r, frame); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				log.Warn().Msg("discarded truncated datagram at end of stream")
				return nil
			}
			return fmt.Errorf("ingest: serial read: %w", err)
		}
		select {
		case frames <- Frame{Data: frame, Recv: time.Now()}:
		case <-ctx.Done():
			return nil
		}
	}
}
