// Command player runs the playback state engine against JetStream,
// emitting JSON metrics lines and optional CBOR frame dumps. Only headless
// operation is built in; the engine exposes the same controls a UI front-end
// would bind to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/channels"
	"github.com/viljo/Low-latency-stream-kit/internal/config"
	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
	"github.com/viljo/Low-latency-stream-kit/internal/player"
	"github.com/viljo/Low-latency-stream-kit/internal/tags"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/version"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var natsServers stringList
	headless := flag.Bool("headless", false, "run without a UI, writing metrics to stdout")
	channel := flag.String("channel", "live", "initial channel: live, historical, or a replay channel id")
	room := flag.String("room", "default", "playout room consumed by the historical channel")
	duration := flag.Duration("duration", 0, "run length; zero runs until idle or interrupt")
	rate := flag.Float64("rate", 0, "playback rate; zero uses the tuning default")
	metricsInterval := flag.Duration("metrics-interval", 0, "metrics cadence; zero uses the tuning default")
	writeCBORDir := flag.String("write-cbor-dir", "", "directory for per-frame CBOR dumps")
	exitOnIdle := flag.Bool("exit-on-idle", false, "exit when the channel drains")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
	subjectPrefix := flag.String("subject-prefix", "", "subject prefix of the telemetry stream")
	clientID := flag.String("client-id", "", "client id stamped on status heartbeats; empty generates one")
	flag.Var(&natsServers, "nats-server", "NATS server URL (repeatable)")
	jsStream := flag.String("js-stream", "", "JetStream stream name")
	consumerName := flag.String("consumer-name", "", "durable consumer name; empty for ephemeral")
	configPath := flag.String("config", "", "optional tuning JSON file")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("player %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("player", *logLevel, *pretty)

	if !*headless {
		log.Error().Msg("this build is headless-only; pass -headless")
		os.Exit(2)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("could not load tuning config")
			os.Exit(2)
		}
		tuning = loaded
	}
	prefix := tuning.GetSubjectPrefix()
	if *subjectPrefix != "" {
		prefix = *subjectPrefix
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

	cfg := player.Config{
		SmoothCenter:       tuning.GetSmoothCenter(),
		SmoothZoom:         tuning.GetSmoothZoom(),
		WindowSec:          int(tuning.GetTagWindowSeconds()),
		MetricsInterval:    tuning.GetMetricsInterval(),
		RateMin:            tuning.GetRateMin(),
		RateMax:            tuning.GetRateMax(),
		DefaultRate:        tuning.GetDefaultRate(),
		DefaultClock:       tuning.GetDefaultClock(),
		ScrubHistorySize:   tuning.GetScrubHistorySize(),
		DefaultUnits:       tuning.GetDefaultUnits(),
		DefaultMarkerColor: "#00ff00",
	}
	if *metricsInterval > 0 {
		cfg.MetricsInterval = *metricsInterval
	}

	reg := prometheus.NewRegistry()
	cfg.Counters = player.NewCounters(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.MetricsHandler(reg))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	sources := map[string]player.SourceFactory{
		"live":       liveSource(client, natsCfg.Stream, prefix, *consumerName),
		"historical": playoutSource(client, *room, *consumerName),
	}

	smoother, err := player.NewMapSmoother(cfg.SmoothCenter, cfg.SmoothZoom)
	if err != nil {
		log.Error().Err(err).Msg("invalid smoothing configuration")
		os.Exit(2)
	}
	clock := timeutil.RealClock{}
	state, err := player.NewState(sources, cfg, *channel, player.NewMapView(smoother), clock, log)
	if err != nil {
		log.Error().Err(err).Msg("could not create player state")
		os.Exit(1)
	}
	if *rate > 0 {
		state.SetRate(*rate)
	}

	runner, err := player.NewHeadlessRunner(state, clock, log, player.HeadlessOptions{
		Duration:      *duration,
		ExitOnIdle:    *exitOnIdle,
		MetricsWriter: os.Stdout,
		WriteCBORDir:  *writeCBORDir,
	})
	if err != nil {
		log.Error().Err(err).Msg("could not create headless runner")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := *clientID
	if id == "" {
		id = "player-" + uuid.NewString()[:8]
	}
	reporter := channels.NewStatusReporter(client.Publisher(), id, clock)
	go heartbeat(ctx, reporter, state, tuning.GetHeartbeatInterval(), log)

	log.Info().Str("channel", state.CurrentChannel()).Str("client_id", id).Msg("player started")
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("player stopped with error")
		os.Exit(1)
	}
}

// liveSource merges the telemetry/command stream with the tag broadcast
// into one ordered source.
func liveSource(client *broker.Client, stream, prefix, durable string) player.SourceFactory {
	return func() (player.Source, error) {
		main, err := client.PullConsumer(stream, prefix+".>", durableName(durable, "main"), broker.DeliverNew, time.Time{})
		if err != nil {
			return nil, err
		}
		tagFeed, err := client.PullConsumer(stream, tags.BroadcastSubject, durableName(durable, "tags"), broker.DeliverNew, time.Time{})
		if err != nil {
			return nil, err
		}
		return player.NewCompositeReceiver(player.NewReceiver(main), player.NewReceiver(tagFeed))
	}
}

// playoutSource consumes the replayer's per-room playout subjects.
func playoutSource(client *broker.Client, room, durable string) player.SourceFactory {
	return func() (player.Source, error) {
		consumer, err := client.PullConsumer("TSPI_PLAYOUT", "player."+room+".playout.>",
			durableName(durable, "playout"), broker.DeliverNew, time.Time{})
		if err != nil {
			return nil, err
		}
		return player.NewReceiver(consumer), nil
	}
}

func durableName(base, suffix string) string {
	if base == "" {
		return ""
	}
	return base + "-" + suffix
}

// heartbeat publishes periodic status reports so the operator console can
// see who is watching what.
func heartbeat(ctx context.Context, reporter *channels.StatusReporter, state *player.State, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		descriptor, clientState := describeChannel(state.CurrentChannel())
		if err := reporter.Report(clientState, descriptor, false); err != nil {
			log.Warn().Err(err).Msg("status heartbeat failed")
		}
	}
}

func describeChannel(current string) (channels.Descriptor, channels.ClientState) {
	if current == "livestream" {
		return channels.LiveChannel(), channels.FollowingLivestream
	}
	return channels.Descriptor{
		ChannelID: current,
		Subject:   channels.ReplaySubjectPrefix + "." + strings.TrimPrefix(current, "replay."),
		Kind:      channels.GroupReplay,
		Stream:    channels.StreamReplay,
	}, channels.FollowingGroupReplay
}
