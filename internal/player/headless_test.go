package player

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

func TestHeadlessRunnerExitOnIdle(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 3; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*100))
	}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	state := newTestState(t, stream, clock)

	var out bytes.Buffer
	runner, err := NewHeadlessRunner(state, clock, zerolog.Nop(), HeadlessOptions{
		ExitOnIdle:    true,
		MetricsWriter: &out,
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))

	require.Equal(t, 3, state.Metrics().Frames)
	require.False(t, state.Playing())

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var last Metrics
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &last))
	require.Equal(t, 3, last.Frames)
	require.Equal(t, "livestream", last.Source)
}

func TestHeadlessRunnerDurationBound(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	state := newTestState(t, broker.NewMemStream(), clock)

	runner, err := NewHeadlessRunner(state, clock, zerolog.Nop(), HeadlessOptions{
		Duration: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))
	require.NotEmpty(t, clock.Sleeps())
}

func TestHeadlessRunnerHonoursRate(t *testing.T) {
	stream := broker.NewMemStream()
	publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(501, 1700000000000))
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	state := newTestState(t, stream, clock)
	state.SetRate(2.0)

	runner, err := NewHeadlessRunner(state, clock, zerolog.Nop(), HeadlessOptions{ExitOnIdle: true})
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))
	require.Contains(t, clock.Sleeps(), 25*time.Millisecond)
}

func TestHeadlessRunnerWritesFrames(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 2; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*100))
	}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	state := newTestState(t, stream, clock)

	dir := t.TempDir()
	runner, err := NewHeadlessRunner(state, clock, zerolog.Nop(), HeadlessOptions{
		ExitOnIdle:   true,
		WriteCBORDir: dir,
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	data, err := os.ReadFile(filepath.Join(dir, "frame-000000.cbor"))
	require.NoError(t, err)
	payload, err := wire.DecodeMap(data)
	require.NoError(t, err)
	require.Equal(t, "geocentric", payload["type"])
}

func TestHeadlessRunnerContextCancel(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	state := newTestState(t, broker.NewMemStream(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner, err := NewHeadlessRunner(state, clock, zerolog.Nop(), HeadlessOptions{})
	require.NoError(t, err)
	require.Error(t, runner.Run(ctx))
}
