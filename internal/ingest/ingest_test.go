package ingest

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
)

func sampleFrame(t *testing.T, sensor uint16) []byte {
	t.Helper()
	d := &tspi.Datagram{
		Kind:      tspi.Geocentric,
		Version:   tspi.Version,
		SensorID:  sensor,
		Day:       123,
		TimeTicks: 15340,
		Status:    255,
		FlagsMSB:  0x01FF,
		Payload: map[string]float64{
			"x_m": 5123.25, "y_m": -15.5, "z_m": 1200.0,
			"vx_mps": 0, "vy_mps": 0, "vz_mps": 0,
			"ax_mps2": 0, "ay_mps2": 0, "az_mps2": 0,
		},
	}
	raw, err := d.Encode()
	require.NoError(t, err)
	return raw
}

func TestMockPortDeliversFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(sampleFrame(t, 501))
	stream.Write(sampleFrame(t, 502))

	port := NewMockPort(&stream, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- port.Monitor(context.Background()) }()

	var frames []Frame
	for frame := range port.Frames() {
		frames = append(frames, frame)
	}
	require.NoError(t, <-done)
	require.Len(t, frames, 2)

	first, err := tspi.Parse(frames[0].Data)
	require.NoError(t, err)
	require.Equal(t, uint16(501), first.SensorID)
	require.False(t, frames[0].Recv.IsZero())
	second, err := tspi.Parse(frames[1].Data)
	require.NoError(t, err)
	require.Equal(t, uint16(502), second.SensorID)
	require.False(t, frames[1].Recv.Before(frames[0].Recv))
}

func TestMockPortDiscardsTruncatedTail(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(sampleFrame(t, 501))
	stream.Write([]byte{0xC1, 0x04})

	port := NewMockPort(&stream, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- port.Monitor(context.Background()) }()

	var frames []Frame
	for frame := range port.Frames() {
		frames = append(frames, frame)
	}
	require.NoError(t, <-done)
	require.Len(t, frames, 1)
}

func TestUDPListenerReceivesDatagrams(t *testing.T) {
	got := make(chan Frame, 4)
	listener, err := NewUDPListener(UDPConfig{
		Address:     "127.0.0.1:0",
		ReadTimeout: 50 * time.Millisecond,
	}, func(frame []byte, recv time.Time) { got <- Frame{Data: frame, Recv: recv} }, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	select {
	case <-listener.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never bound")
	}
	target := listener.Addr().String()

	conn, err := net.Dial("udp", target)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	_, err = conn.Write(sampleFrame(t, 777))
	require.NoError(t, err)

	select {
	case received := <-got:
		parsed, err := tspi.Parse(received.Data)
		require.NoError(t, err)
		require.Equal(t, uint16(777), parsed.SensorID)
		require.False(t, received.Recv.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
	}

	cancel()
	require.NoError(t, <-done)
	received, dropped := listener.Stats()
	require.GreaterOrEqual(t, received, 2)
	require.Equal(t, 1, dropped)
}

func TestUDPListenerRequiresHandler(t *testing.T) {
	_, err := NewUDPListener(UDPConfig{}, nil, zerolog.Nop())
	require.Error(t, err)
}
