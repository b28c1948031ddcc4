package player

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

func telemetryEnvelope(sensor int, recvMS int64) map[string]any {
	flags := map[string]any{}
	for _, name := range []string{
		"position_x_valid", "position_y_valid", "position_z_valid",
		"velocity_x_valid", "velocity_y_valid", "velocity_z_valid",
		"acceleration_x_valid", "acceleration_y_valid", "acceleration_z_valid",
	} {
		flags[name] = true
	}
	return map[string]any{
		"type":          "geocentric",
		"sensor_id":     sensor,
		"day":           123,
		"time_s":        1.5,
		"status":        255,
		"status_flags":  flags,
		"recv_epoch_ms": recvMS,
		"recv_iso":      timeutil.ISOFormat(time.UnixMilli(recvMS).UTC()),
		"payload": map[string]any{
			"x_m": 5123.25, "y_m": -15.5, "z_m": 1200.0,
			"vx_mps": 0.0, "vy_mps": 0.0, "vz_mps": 0.0,
			"ax_mps2": 0.0, "ay_mps2": 0.0, "az_mps2": 0.0,
		},
	}
}

func commandEnvelope(name string, body map[string]any) map[string]any {
	return map[string]any{
		"cmd_id":  "cmd-" + name,
		"name":    name,
		"ts":      "2023-11-14T22:13:20+00:00",
		"sender":  "command-ui",
		"payload": body,
	}
}

func tagEnvelope(id, status string) map[string]any {
	return map[string]any{
		"id":         id,
		"ts":         "2023-11-14T22:13:20+00:00",
		"label":      "mark " + id,
		"status":     status,
		"updated_ts": "2023-11-14T22:13:20+00:00",
	}
}

func publishPayload(t *testing.T, stream *broker.MemStream, subject string, payload map[string]any) {
	t.Helper()
	data, err := wire.Marshal(payload)
	require.NoError(t, err)
	_, err = stream.Publish(subject, data, nil, time.Time{})
	require.NoError(t, err)
}

func newTestState(t *testing.T, stream *broker.MemStream, clock timeutil.Clock) *State {
	t.Helper()
	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	sources := map[string]SourceFactory{
		"live": func() (Source, error) {
			return NewReceiver(stream.CreateConsumer(">")), nil
		},
	}
	if clock == nil {
		clock = timeutil.NewMockClock(time.Unix(1700000000, 0).UTC())
	}
	state, err := NewState(sources, DefaultConfig(), "live", NewMapView(smoother), clock, zerolog.Nop())
	require.NoError(t, err)
	return state
}

func TestNormalizeChannelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"live", "livestream"},
		{"Livestream", "livestream"},
		{"historical", "replay.default"},
		{"replay.20231114T221320Z", "replay.20231114T221320Z"},
	}
	for _, tt := range tests {
		got, err := NormalizeChannelName(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
	_, err := NormalizeChannelName("  ")
	require.Error(t, err)
}

func TestStatePlaysTelemetry(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 3; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(501+i, 1700000000000+int64(i)*100))
	}
	state := newTestState(t, stream, nil)
	state.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, state.StepOnce())
	}
	require.Equal(t, 3, state.Metrics().Frames)
	require.Equal(t, 3, state.Position())
	require.InDelta(t, 5123.25, state.mapView.State().CenterX, 1e-9)
	require.InDelta(t, -15.5, state.mapView.State().CenterY, 1e-9)
}

func TestStateDropsInvalidTelemetry(t *testing.T) {
	stream := broker.NewMemStream()
	broken := telemetryEnvelope(501, 1700000000000)
	delete(broken["payload"].(map[string]any), "x_m")
	publishPayload(t, stream, "tspi.channel.livestream", broken)
	publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(502, 1700000000100))
	publishPayload(t, stream, "tags.broadcast", tagEnvelope("tag-1", "active"))

	state := newTestState(t, stream, nil)
	require.NoError(t, state.Preload(50))
	require.Equal(t, 2, state.TimelineLength())
	require.Equal(t, 1, state.SchemaDrops())
}

func TestStateCommandUpdatesUnitsAndMarker(t *testing.T) {
	stream := broker.NewMemStream()
	publishPayload(t, stream, "tspi.cmd.display.units",
		commandEnvelope("display.units", map[string]any{"units": "imperial"}))
	publishPayload(t, stream, "tspi.cmd.display.marker_color",
		commandEnvelope("display.marker_color", map[string]any{"marker_color": "#ff0000"}))

	state := newTestState(t, stream, nil)
	var units, colors []string
	state.DisplayUnitsChanged.Connect(func(u string) { units = append(units, u) })
	state.MarkerColorChanged.Connect(func(c string) { colors = append(colors, c) })

	state.Start()
	require.NoError(t, state.StepOnce())
	require.NoError(t, state.StepOnce())

	require.Equal(t, []string{"imperial"}, units)
	require.Equal(t, []string{"#ff0000"}, colors)
	require.Equal(t, "imperial", state.DisplayUnits())
	require.Equal(t, "#ff0000", state.mapView.MarkerColor())
}

func TestStateTagLifecycle(t *testing.T) {
	stream := broker.NewMemStream()
	publishPayload(t, stream, "tags.broadcast", tagEnvelope("tag-1", "active"))
	publishPayload(t, stream, "tags.broadcast", tagEnvelope("tag-1", "deleted"))

	state := newTestState(t, stream, nil)
	state.Start()
	require.NoError(t, state.StepOnce())
	require.Contains(t, state.Tags(), "tag-1")
	require.NoError(t, state.StepOnce())
	require.NotContains(t, state.Tags(), "tag-1")
}

// Scrubbing forward to an index must leave the same command and tag state
// as playing every record up to that index.
func TestForwardJumpReplaysSideband(t *testing.T) {
	fill := func(stream *broker.MemStream) {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(501, 1700000000000))
		publishPayload(t, stream, "tspi.cmd.display.units",
			commandEnvelope("display.units", map[string]any{"units": "imperial"}))
		publishPayload(t, stream, "tags.broadcast", tagEnvelope("tag-1", "active"))
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(502, 1700000000300))
	}

	played := broker.NewMemStream()
	fill(played)
	stepped := newTestState(t, played, nil)
	stepped.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, stepped.StepOnce())
	}

	jumped := broker.NewMemStream()
	fill(jumped)
	scrubbed := newTestState(t, jumped, nil)
	require.NoError(t, scrubbed.Preload(50))
	scrubbed.ScrubToIndex(3)

	require.Equal(t, stepped.DisplayUnits(), scrubbed.DisplayUnits())
	require.Equal(t, stepped.Tags(), scrubbed.Tags())
}

// A backward scrub only moves the playback cursor; latest-wins state is not
// rewound.
func TestBackwardScrubKeepsState(t *testing.T) {
	stream := broker.NewMemStream()
	publishPayload(t, stream, "tspi.cmd.display.units",
		commandEnvelope("display.units", map[string]any{"units": "imperial"}))
	publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(501, 1700000000000))

	state := newTestState(t, stream, nil)
	state.Start()
	require.NoError(t, state.StepOnce())
	require.NoError(t, state.StepOnce())
	require.Equal(t, "imperial", state.DisplayUnits())

	state.ScrubToIndex(0)
	require.Equal(t, 0, state.Position())
	require.Equal(t, "imperial", state.DisplayUnits())
}

func TestTimelineBounded(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 8; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*100))
	}
	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ScrubHistorySize = 5
	sources := map[string]SourceFactory{
		"live": func() (Source, error) { return NewReceiver(stream.CreateConsumer(">")), nil },
	}
	state, err := NewState(sources, cfg, "live", NewMapView(smoother), timeutil.NewMockClock(time.Unix(0, 0)), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, state.Preload(50))
	require.Equal(t, 5, state.TimelineLength())
	require.Equal(t, 0, state.Position())
}

func TestSeekByTimestamp(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 4; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*1000))
	}
	state := newTestState(t, stream, nil)
	require.NoError(t, state.Preload(50))

	state.Seek("2023-11-14T22:13:22+00:00")
	require.Equal(t, 2, state.Position())

	state.Seek("not a timestamp")
	require.Equal(t, 2, state.Position())
}

func TestSeekToTag(t *testing.T) {
	stream := broker.NewMemStream()
	publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(501, 1700000000000))
	publishPayload(t, stream, "tags.broadcast", tagEnvelope("tag-9", "active"))
	publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(502, 1700000001000))

	state := newTestState(t, stream, nil)
	require.NoError(t, state.Preload(50))
	require.True(t, state.SeekToTag("tag-9"))
	require.Equal(t, 1, state.Position())
	require.False(t, state.SeekToTag("missing"))
}

func TestSetRateClamp(t *testing.T) {
	state := newTestState(t, broker.NewMemStream(), nil)
	state.SetRate(100)
	require.InDelta(t, 4.0, state.Rate(), 1e-9)
	state.SetRate(0)
	require.InDelta(t, 0.01, state.Rate(), 1e-9)
}

func TestSetClockSource(t *testing.T) {
	state := newTestState(t, broker.NewMemStream(), nil)
	state.SetClockSource("tspi")
	require.Equal(t, "tspi", state.ClockSource())
	state.SetClockSource("wall")
	require.Equal(t, "tspi", state.ClockSource())
}

func TestSetChannelResetsTimelineKeepsState(t *testing.T) {
	live := broker.NewMemStream()
	replay := broker.NewMemStream()
	publishPayload(t, live, "tspi.cmd.display.units",
		commandEnvelope("display.units", map[string]any{"units": "imperial"}))

	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	sources := map[string]SourceFactory{
		"live": func() (Source, error) { return NewReceiver(live.CreateConsumer(">")), nil },
		"replay.default": func() (Source, error) {
			return NewReceiver(replay.CreateConsumer(">")), nil
		},
	}
	state, err := NewState(sources, DefaultConfig(), "live", NewMapView(smoother), timeutil.NewMockClock(time.Unix(0, 0)), zerolog.Nop())
	require.NoError(t, err)

	state.Start()
	require.NoError(t, state.StepOnce())
	require.Equal(t, "imperial", state.DisplayUnits())

	require.NoError(t, state.SetChannel("historical"))
	require.Equal(t, "replay.default", state.CurrentChannel())
	require.Equal(t, 0, state.TimelineLength())
	require.Equal(t, 0, state.Position())
	require.Equal(t, "imperial", state.DisplayUnits())
	require.Equal(t, 0, state.Metrics().Frames)
}

func TestInitialChannelFallsBackToLivestream(t *testing.T) {
	stream := broker.NewMemStream()
	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	sources := map[string]SourceFactory{
		"live": func() (Source, error) { return NewReceiver(stream.CreateConsumer(">")), nil },
	}
	state, err := NewState(sources, DefaultConfig(), "replay.missing", NewMapView(smoother), timeutil.NewMockClock(time.Unix(0, 0)), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "livestream", state.CurrentChannel())
}

func TestCountersTrackFramesAndLag(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 4; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*100))
	}

	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Counters = NewCounters(prometheus.NewRegistry())
	sources := map[string]SourceFactory{
		"live": func() (Source, error) { return NewReceiver(stream.CreateConsumer(">")), nil },
	}
	state, err := NewState(sources, cfg, "live", NewMapView(smoother), timeutil.NewMockClock(time.Unix(0, 0)), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, state.Preload(2))
	state.Start()
	require.NoError(t, state.StepOnce())
	require.NoError(t, state.StepOnce())

	require.Equal(t, 2.0, testutil.ToFloat64(cfg.Counters.Frames))
	require.Equal(t, 2.0, testutil.ToFloat64(cfg.Counters.Lag))
}

func TestStateAndGroupReplaySignals(t *testing.T) {
	live := broker.NewMemStream()
	replay := broker.NewMemStream()
	smoother, err := NewMapSmoother(0, 0)
	require.NoError(t, err)
	sources := map[string]SourceFactory{
		"live": func() (Source, error) { return NewReceiver(live.CreateConsumer(">")), nil },
		"replay.default": func() (Source, error) {
			return NewReceiver(replay.CreateConsumer(">")), nil
		},
	}
	state, err := NewState(sources, DefaultConfig(), "live", NewMapView(smoother), timeutil.NewMockClock(time.Unix(0, 0)), zerolog.Nop())
	require.NoError(t, err)

	var states []string
	var replays []string
	state.StateChanged.Connect(func(v string) { states = append(states, v) })
	state.GroupReplayChanged.Connect(func(v string) { replays = append(replays, v) })

	state.Start()
	state.Pause()
	require.Equal(t, []string{"playing", "paused"}, states)

	require.NoError(t, state.SetChannel("historical"))
	require.NoError(t, state.SetChannel("live"))
	require.Equal(t, []string{"replay.default", ""}, replays)
}

func TestMetricsReportLag(t *testing.T) {
	stream := broker.NewMemStream()
	for i := 0; i < 4; i++ {
		publishPayload(t, stream, "tspi.channel.livestream", telemetryEnvelope(500+i, 1700000000000+int64(i)*100))
	}
	state := newTestState(t, stream, nil)

	var last Metrics
	state.MetricsUpdated.Connect(func(m Metrics) { last = m })
	require.NoError(t, state.Preload(2))
	require.Equal(t, 2, last.Timeline)
	require.Equal(t, 2, last.Lag)
	require.Equal(t, "livestream", last.Source)
}
