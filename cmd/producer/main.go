// Command producer ingests raw TSPI datagrams from UDP, a serial port, or
// the synthetic flight generator and publishes CBOR envelopes to JetStream.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/broker"
	"github.com/viljo/Low-latency-stream-kit/internal/config"
	"github.com/viljo/Low-latency-stream-kit/internal/ingest"
	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
	"github.com/viljo/Low-latency-stream-kit/internal/producer"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
	"github.com/viljo/Low-latency-stream-kit/internal/version"
)

// stringList collects repeated flag values.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var natsServers stringList
	source := flag.String("source", "generator", "frame source: udp, serial, or generator")
	listenAddr := flag.String("listen", ":5005", "UDP listen address for -source udp")
	serialPort := flag.String("serial-port", "", "serial device for -source serial")
	subjectPrefix := flag.String("subject-prefix", "", "subject prefix for published telemetry")
	flag.Var(&natsServers, "nats-server", "NATS server URL (repeatable)")
	jsStream := flag.String("js-stream", "", "JetStream stream name")
	duration := flag.Duration("duration", 0, "generator run length; zero runs forever")
	rate := flag.Float64("rate", 50.0, "generator frame rate in Hz")
	aircraft := flag.Int("aircraft", 50, "generator simultaneous aircraft")
	allowSensors := flag.String("allow-sensors", "", "comma-separated sensor id allow-list")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
	configPath := flag.String("config", "", "optional tuning JSON file")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("producer %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("producer", *logLevel, *pretty)

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

	allowed, err := parseSensorList(*allowSensors)
	if err != nil {
		log.Error().Err(err).Msg("invalid -allow-sensors")
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

	reg := prometheus.NewRegistry()
	metrics := producer.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.MetricsHandler(reg))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	prod := producer.New(client.Publisher(), timeutil.RealClock{}, log, metrics, producer.Config{
		SubjectPrefix:  prefix,
		AllowedSensors: allowed,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *source {
	case "generator":
		err = runGenerator(ctx, prod, *rate, *aircraft, *duration, log)
	case "udp":
		err = runUDP(ctx, prod, *listenAddr, log)
	case "serial":
		if *serialPort == "" {
			log.Error().Msg("-serial-port is required with -source serial")
			os.Exit(2)
		}
		err = runSerial(ctx, prod, *serialPort, log)
	default:
		log.Error().Str("source", *source).Msg("unknown source")
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("producer stopped with error")
		os.Exit(1)
	}
}

func parseSensorList(csv string) ([]uint16, error) {
	if csv == "" {
		return nil, nil
	}
	var out []uint16
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		id, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid sensor id %q: %w", part, err)
		}
		out = append(out, uint16(id))
	}
	return out, nil
}

func runGenerator(ctx context.Context, prod *producer.Producer, rate float64, aircraft int, duration time.Duration, log zerolog.Logger) error {
	cfg := tspi.DefaultFlightConfig()
	cfg.RateHz = rate
	cfg.Count = aircraft
	gen := tspi.NewFlightGenerator(cfg)
	interval := time.Duration(float64(time.Second) / cfg.RateHz)
	base := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		for _, frame := range gen.Generate(1) {
			recv := base.Add(time.Duration(frame.TimeSeconds * float64(time.Second)))
			if _, _, err := prod.IngestAt(frame.Datagram, recv); err != nil {
				log.Error().Err(err).Msg("ingest failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		if duration > 0 {
			duration -= interval
			if duration <= 0 {
				return nil
			}
		}
	}
}

func runUDP(ctx context.Context, prod *producer.Producer, addr string, log zerolog.Logger) error {
	listener, err := ingest.NewUDPListener(ingest.UDPConfig{Address: addr}, func(frame []byte, recv time.Time) {
		if _, _, err := prod.IngestAt(frame, recv); err != nil {
			log.Error().Err(err).Msg("ingest failed")
		}
	}, log)
	if err != nil {
		return err
	}
	return listener.Run(ctx)
}

func runSerial(ctx context.Context, prod *producer.Producer, portName string, log zerolog.Logger) error {
	port, err := ingest.OpenPort(portName, log)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- port.Monitor(ctx) }()
	for frame := range port.Frames() {
		if _, _, err := prod.IngestAt(frame.Data, frame.Recv); err != nil {
			log.Error().Err(err).Msg("ingest failed")
		}
	}
	return <-done
}
