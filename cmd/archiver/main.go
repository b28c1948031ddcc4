// Command archiver drains telemetry, command, and tag traffic from
// JetStream into the sqlite archive, with an optional admin endpoint for
// inspecting the database.
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

	"github.com/viljo/Low-latency-stream-kit/internal/archive"
	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/config"
	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
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
	flag.Var(&natsServers, "nats-server", "NATS server URL (repeatable)")
	jsStream := flag.String("js-stream", "", "JetStream stream name")
	subjectPrefix := flag.String("subject-prefix", "", "subject prefix of the telemetry stream")
	durablePrefix := flag.String("durable-prefix", "archiver", "durable consumer name prefix")
	batchSize := flag.Int("batch", 0, "pull batch size; zero uses the tuning default")
	adminAddr := flag.String("admin-addr", "", "address for the admin/debug HTTP endpoint")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
	configPath := flag.String("config", "", "optional tuning JSON file")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("archiver %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("archiver", *logLevel, *pretty)

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
	batch := tuning.GetArchiveBatchSize()
	if *batchSize > 0 {
		batch = *batchSize
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
	if err := client.EnsureStream(natsCfg.Stream, []string{prefix + ".>", "tags.>"}, 0); err != nil {
		log.Error().Err(err).Msg("ensure stream failed")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath, log)
	if err != nil {
		log.Error().Err(err).Msg("could not open archive database")
		os.Exit(1)
	}
	defer st.Close()

	if *adminAddr != "" {
		mux := http.NewServeMux()
		if err := st.AttachAdminRoutes(mux); err != nil {
			log.Error().Err(err).Msg("could not attach admin routes")
			os.Exit(1)
		}
		go func() {
			if err := http.ListenAndServe(*adminAddr, mux); err != nil {
				log.Error().Err(err).Msg("admin endpoint failed")
			}
		}()
		log.Info().Str("addr", *adminAddr).Msg("admin endpoint listening")
	}

	reg := prometheus.NewRegistry()
	metrics := archive.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.MetricsHandler(reg))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	clock := timeutil.RealClock{}
	archiver, err := archive.New(client, st, clock, log, metrics, archive.Config{
		DurablePrefix: *durablePrefix,
		BatchSize:     batch,
	})
	if err != nil {
		log.Error().Err(err).Msg("could not create archiver")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idleWait := tuning.GetArchiveIdleWait()
	log.Info().Str("db", *dbPath).Str("stream", natsCfg.Stream).Msg("archiver started")
	if err := archiver.Run(ctx, func() { clock.Sleep(idleWait) }); err != nil {
		log.Error().Err(err).Msg("archiver stopped with error")
		os.Exit(1)
	}
}
