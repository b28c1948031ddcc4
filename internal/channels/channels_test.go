package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

func TestGroupReplayFromISO(t *testing.T) {
	first, err := NewGroupReplay("2026-03-01T12:00:00Z", "", "")
	require.NoError(t, err)
	second, err := NewGroupReplay("2026-03-01T12:00:00Z", "", "")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, "replay.20260301T120000Z", first.ChannelID)
	require.Equal(t, "tspi.channel.replay.20260301T120000Z", first.Subject)
	require.Equal(t, "replay 2026-03-01T12:00:00Z", first.DisplayName)
	require.Equal(t, "2026-03-01T12:00:00Z", first.Start)
	require.Equal(t, StreamTSPI, first.Stream)
}

func TestGroupReplayFromEpoch(t *testing.T) {
	channel, err := NewGroupReplay("1700000000", "", "")
	require.NoError(t, err)
	require.Equal(t, "replay.20231114T221320Z", channel.ChannelID)
	require.Equal(t, "2023-11-14T22:13:20Z", channel.Start)
}

func TestGroupReplayFromLabel(t *testing.T) {
	channel, err := NewGroupReplay("  Mission Alpha / Run #2  ", "", "")
	require.NoError(t, err)
	require.Equal(t, "replay.mission-alpha-run-2", channel.ChannelID)
	require.Equal(t, "tspi.channel.replay.mission-alpha-run-2", channel.Subject)
	require.Equal(t, "Mission Alpha / Run #2", channel.DisplayName)
	require.Empty(t, channel.Start)

	// Slug stability.
	again, err := NewGroupReplay("mission ALPHA run 2", "", "")
	require.NoError(t, err)
	require.Equal(t, channel.ChannelID, again.ChannelID)
}

func TestGroupReplayRejectsUnusableIdentifier(t *testing.T) {
	_, err := NewGroupReplay("   ", "", "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = NewGroupReplay("!!!", "", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestPrivateChannelValidation(t *testing.T) {
	channel, err := PrivateChannel(" ops-7 ", "session-1", "")
	require.NoError(t, err)
	require.Equal(t, "client.ops-7.session-1", channel.ChannelID)
	require.Equal(t, "tspi.channel.client.ops-7.session-1", channel.Subject)

	_, err = PrivateChannel("", "session-1", "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = PrivateChannel("ops-7", "   ", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestConsumerConfigs(t *testing.T) {
	live := LiveConsumerConfig()
	require.Equal(t, "deliver_new", live.DeliverPolicy)
	require.Equal(t, "none", live.AckPolicy)
	require.True(t, live.FlowControl)

	iso, err := NewGroupReplay("2026-03-01T12:00:00Z", "", "")
	require.NoError(t, err)
	cfg, err := ReplayConsumerConfig(iso)
	require.NoError(t, err)
	require.Equal(t, "by_start_time", cfg.DeliverPolicy)
	require.Equal(t, "original", cfg.ReplayPolicy)
	require.Equal(t, "2026-03-01T12:00:00Z", cfg.OptStartTime)
	require.Zero(t, cfg.InactiveThresholdS)

	label, err := NewGroupReplay("mission alpha", "", "")
	require.NoError(t, err)
	cfg, err = ReplayConsumerConfig(label)
	require.NoError(t, err)
	require.Equal(t, "deliver_new", cfg.DeliverPolicy)

	private, err := PrivateChannel("c1", "s1", "")
	require.NoError(t, err)
	cfg, err = ReplayConsumerConfig(private)
	require.NoError(t, err)
	require.Equal(t, 120, cfg.InactiveThresholdS)

	_, err = ReplayConsumerConfig(LiveChannel())
	require.ErrorIs(t, err, ErrValidation)
}

func TestDirectoryOrderingAndProjection(t *testing.T) {
	directory := NewDirectory()

	b, err := NewGroupReplay("2026-03-02T00:00:00Z", "", "")
	require.NoError(t, err)
	a, err := NewGroupReplay("2026-03-01T00:00:00Z", "", "")
	require.NoError(t, err)
	private, err := PrivateChannel("c1", "s1", "")
	require.NoError(t, err)

	directory.Upsert(b, true)
	directory.Upsert(private, true)
	directory.Upsert(a, true)

	listed := directory.List(true)
	require.Len(t, listed, 4)
	require.Equal(t, "livestream", listed[0].ChannelID)
	require.Equal(t, a.ChannelID, listed[1].ChannelID)
	require.Equal(t, b.ChannelID, listed[2].ChannelID)
	require.Equal(t, private.ChannelID, listed[3].ChannelID)

	public := directory.ToDicts(false)
	require.Len(t, public, 3)
	require.Equal(t, "livestream", public[0]["channel_id"])
	_, hasStart := public[1]["start"]
	require.True(t, hasStart)

	// Hidden private channels never enter the directory.
	hidden, err := PrivateChannel("c2", "s2", "")
	require.NoError(t, err)
	directory.Upsert(hidden, false)
	_, ok := directory.Get(hidden.ChannelID)
	require.False(t, ok)

	// The livestream entry is immortal.
	directory.Remove("livestream")
	_, ok = directory.Get("livestream")
	require.True(t, ok)
}

func TestManagerStopMostRecent(t *testing.T) {
	manager := NewManager(nil)

	first, err := manager.StartGroupReplay("2026-03-01T00:00:00Z", "", "")
	require.NoError(t, err)
	second, err := manager.StartGroupReplay("2026-03-02T00:00:00Z", "", "")
	require.NoError(t, err)

	stopped, ok := manager.StopGroupReplay("")
	require.True(t, ok)
	require.Equal(t, second.ChannelID, stopped)

	stopped, ok = manager.StopGroupReplay("")
	require.True(t, ok)
	require.Equal(t, first.ChannelID, stopped)

	_, ok = manager.StopGroupReplay("")
	require.False(t, ok)
	_, ok = manager.StopGroupReplay("replay.nope")
	require.False(t, ok)
}

func TestOpsControlSenderBroadcasts(t *testing.T) {
	stream := broker.NewMemStream()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sender := NewOpsControlSender(stream, nil, "console-1", clock)

	channel, err := sender.StartGroupReplay("2026-03-01T10:00:00Z", "", "")
	require.NoError(t, err)

	consumer := stream.CreateConsumer(OpsControlSubject)
	messages, err := consumer.Pull(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "console-1", messages[0].Header[wire.HeaderOpsSender])
	require.True(t, strings.HasPrefix(messages[0].MsgID(), channel.ChannelID+":start:"))

	decoded, err := wire.DecodeMap(messages[0].Data)
	require.NoError(t, err)
	require.Equal(t, "GroupReplayStart", decoded["type"])
	require.Equal(t, channel.ChannelID, decoded["channel_id"])

	stop, err := sender.StopGroupReplay("")
	require.NoError(t, err)
	require.NotNil(t, stop)
	require.Equal(t, channel.ChannelID, stop.ChannelID)

	messages, err = consumer.Pull(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.True(t, strings.HasPrefix(messages[0].MsgID(), channel.ChannelID+":stop:"))

	// Unknown channel: nil message, nothing published.
	stop, err = sender.StopGroupReplay("replay.unknown")
	require.NoError(t, err)
	require.Nil(t, stop)
	messages, err = consumer.Pull(1)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestStatusReporter(t *testing.T) {
	stream := broker.NewMemStream()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reporter := NewStatusReporter(stream, "client-9", clock)

	require.NoError(t, reporter.Report(FollowingLivestream, LiveChannel(), false))

	consumer := stream.CreateConsumer(OpsStatusSubject)
	messages, err := consumer.Pull(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	decoded, err := wire.DecodeMap(messages[0].Data)
	require.NoError(t, err)
	require.Equal(t, "client-9", decoded["client_id"])
	require.Equal(t, "FOLLOWING_LIVESTREAM", decoded["state"])
	require.Equal(t, "livestream", decoded["channel_id"])
	require.Equal(t, "2026-03-01T12:00:00Z", decoded["ts"])
}
