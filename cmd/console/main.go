// Command console is the headless operator console: it sends display
// commands and tags, starts and stops group replays, and can watch client
// status heartbeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/channels"
	"github.com/viljo/Low-latency-stream-kit/internal/commands"
	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
	"github.com/viljo/Low-latency-stream-kit/internal/tags"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/version"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var natsServers stringList
	sender := flag.String("sender", "command-console", "sender id stamped on outgoing traffic")
	units := flag.String("units", "", "send a display units command: metric or imperial")
	markerColor := flag.String("marker-color", "", "send a marker colour command")
	sessionName := flag.String("session-name", "", "session metadata name (with -session-id)")
	sessionID := flag.String("session-id", "", "session metadata id (with -session-name)")
	createTag := flag.String("create-tag", "", "broadcast a new tag with this comment")
	deleteTag := flag.String("delete-tag", "", "broadcast deletion of the tag with this id")
	startReplay := flag.String("start-replay", "", "start a group replay (ISO timestamp, epoch, or label)")
	stopReplay := flag.Bool("stop-replay", false, "stop the most recent group replay")
	stopReplayID := flag.String("stop-replay-id", "", "stop the group replay with this channel id")
	watchStatus := flag.Duration("watch-status", 0, "watch client heartbeats for this long and print presence")
	flag.Var(&natsServers, "nats-server", "NATS server URL (repeatable)")
	jsStream := flag.String("js-stream", "", "JetStream stream name")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("console %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("console", *logLevel, *pretty)

	actions := 0
	for _, set := range []bool{
		*units != "", *markerColor != "",
		*sessionName != "" || *sessionID != "",
		*createTag != "", *deleteTag != "",
		*startReplay != "", *stopReplay || *stopReplayID != "",
		*watchStatus > 0,
	} {
		if set {
			actions++
		}
	}
	if actions == 0 {
		log.Error().Msg("no action requested; see -help")
		os.Exit(2)
	}

	var natsCfg broker.NATSConfig
	if err := env.Parse(&natsCfg); err != nil {
		log.Error().Err(err).Msg("could not parse environment")
		os.Exit(2)
	}
	if len(natsServers) > 0 {
		natsCfg.Servers = natsServers
	}
	if *jsStream != "" {
		natsCfg.Stream = *jsStream
	}
	if len(natsCfg.Servers) == 0 {
		log.Error().Msg("at least one -nats-server (or NATS_SERVERS) is required")
		os.Exit(2)
	}

	client, err := broker.Connect(natsCfg, log)
	if err != nil {
		log.Error().Err(err).Msg("broker connect failed")
		os.Exit(1)
	}
	defer client.Close()

	clock := timeutil.RealClock{}
	pub := client.Publisher()
	cmdSender := commands.NewSender(pub, *sender, clock)
	tagSender := tags.NewSender(pub, *sender, clock)
	ops := channels.NewOpsControlSender(pub, channels.NewManager(nil), *sender, clock)

	fail := func(action string, err error) {
		log.Error().Err(err).Str("action", action).Msg("console action failed")
		os.Exit(1)
	}

	if *units != "" {
		payload, err := cmdSender.SendUnits(*units)
		if err != nil {
			fail("units", err)
		}
		log.Info().Str("cmd_id", payload.CmdID).Str("units", *units).Msg("units command sent")
	}
	if *markerColor != "" {
		payload, err := cmdSender.SendMarkerColor(*markerColor)
		if err != nil {
			fail("marker-color", err)
		}
		log.Info().Str("cmd_id", payload.CmdID).Msg("marker colour command sent")
	}
	if *sessionName != "" || *sessionID != "" {
		payload, err := cmdSender.SendSessionMetadata(*sessionName, *sessionID)
		if err != nil {
			fail("session-metadata", err)
		}
		log.Info().Str("cmd_id", payload.CmdID).Msg("session metadata sent")
	}
	if *createTag != "" {
		payload, err := tagSender.CreateTag(*createTag, time.Time{}, nil)
		if err != nil {
			fail("create-tag", err)
		}
		log.Info().Str("tag_id", payload.ID).Msg("tag created")
	}
	if *deleteTag != "" {
		payload, err := tagSender.DeleteTag(*deleteTag, clock.Now(), "")
		if err != nil {
			fail("delete-tag", err)
		}
		log.Info().Str("tag_id", payload.ID).Msg("tag deleted")
	}
	if *startReplay != "" {
		descriptor, err := ops.StartGroupReplay(*startReplay, "", "")
		if err != nil {
			fail("start-replay", err)
		}
		log.Info().Str("channel_id", descriptor.ChannelID).Str("subject", descriptor.Subject).
			Msg("group replay started")
	}
	if *stopReplay || *stopReplayID != "" {
		stop, err := ops.StopGroupReplay(*stopReplayID)
		if err != nil {
			fail("stop-replay", err)
		}
		if stop == nil {
			log.Warn().Msg("no matching group replay to stop")
		} else {
			log.Info().Str("channel_id", stop.ChannelID).Msg("group replay stopped")
		}
	}
	if *watchStatus > 0 {
		if err := watchHeartbeats(client, natsCfg.Stream, *watchStatus, clock, log); err != nil {
			fail("watch-status", err)
		}
	}
}

// watchHeartbeats consumes the ops status subject and prints the presence
// snapshot when the watch window closes.
func watchHeartbeats(client *broker.Client, stream string, window time.Duration, clock timeutil.Clock, log zerolog.Logger) error {
	consumer, err := client.PullConsumer(stream, channels.OpsStatusSubject, "", broker.DeliverNew, time.Time{})
	if err != nil {
		return err
	}
	tracker := channels.NewPresenceTracker(clock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	deadline := clock.Now().Add(window)
	for clock.Now().Before(deadline) && ctx.Err() == nil {
		messages, err := consumer.Pull(20)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			_, events := tracker.ProcessRaw(msg.Data)
			_ = msg.Ack()
			for _, event := range events {
				log.Info().Str("event", event.Message).Msg("client activity")
			}
		}
		if len(messages) == 0 {
			clock.Sleep(250 * time.Millisecond)
		}
	}

	for _, presence := range tracker.Snapshot() {
		fmt.Printf("%s\t%s\t%s\tlast seen %s\n",
			presence.ClientID, presence.State, presence.ChannelDisplay(),
			timeutil.ISOFormat(presence.LastSeenTS))
	}
	return nil
}
