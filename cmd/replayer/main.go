// Command replayer republishes an archived time window or tag
// neighbourhood from the sqlite store onto a player room, preserving the
// original inter-arrival pacing unless disabled.
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

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/config"
	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
	"github.com/viljo/Low-latency-stream-kit/internal/replay"
	"github.com/viljo/Low-latency-stream-kit/internal/store"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/version"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var natsServers stringList
	dbPath := flag.String("db", "tspi-archive.db", "sqlite database path")
	room := flag.String("room", "", "player room to publish into")
	startArg := flag.String("start", "", "window start (ISO timestamp or epoch seconds)")
	endArg := flag.String("end", "", "window end (ISO timestamp or epoch seconds)")
	tagID := flag.String("tag", "", "replay the window around this tag instead of -start/-end")
	window := flag.Float64("window", 0, "tag window in seconds; zero uses the tuning default")
	noPace := flag.Bool("no-pace", false, "republish as fast as possible")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
	flag.Var(&natsServers, "nats-server", "NATS server URL (repeatable)")
	jsStream := flag.String("js-stream", "", "JetStream stream name")
	configPath := flag.String("config", "", "optional tuning JSON file")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("replayer %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("replayer", *logLevel, *pretty)

	if *room == "" {
		log.Error().Msg("-room is required")
		os.Exit(2)
	}
	byTag := *tagID != ""
	byWindow := *startArg != "" && *endArg != ""
	if byTag == byWindow {
		log.Error().Msg("exactly one of -tag or -start/-end must be given")
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
	windowSeconds := tuning.GetTagWindowSeconds()
	if *window > 0 {
		windowSeconds = *window
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
	if err := client.EnsureStream("TSPI_PLAYOUT", []string{"player.>"}, 0); err != nil {
		log.Error().Err(err).Msg("ensure replay stream failed")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath, log)
	if err != nil {
		log.Error().Err(err).Msg("could not open archive database")
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics := replay.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.MetricsHandler(reg))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replayer := replay.New(st, client.Publisher(), timeutil.RealClock{}, log, metrics)
	pace := !*noPace

	var records []store.MessageRecord
	if byTag {
		records, err = replayer.ReplayTag(ctx, *room, *tagID, windowSeconds, pace)
	} else {
		start, perr := epochSeconds(*startArg)
		if perr != nil {
			log.Error().Err(perr).Msg("invalid -start")
			os.Exit(2)
		}
		end, perr := epochSeconds(*endArg)
		if perr != nil {
			log.Error().Err(perr).Msg("invalid -end")
			os.Exit(2)
		}
		records, err = replayer.ReplayTimeWindow(ctx, *room, start, end, pace)
	}
	if err != nil {
		log.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
	log.Info().Int("messages", len(records)).Str("room", *room).Msg("replay complete")
}

func epochSeconds(value string) (float64, error) {
	t, err := timeutil.ParseFlexible(value)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}
	return timeutil.EpochSeconds(t), nil
}
