// Command generator emits synthetic TSPI datagrams, either over UDP to
// feed a producer or to a file for offline fixtures.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viljo/Low-latency-stream-kit/internal/monitoring"
	"github.com/viljo/Low-latency-stream-kit/internal/tspi"
	"github.com/viljo/Low-latency-stream-kit/internal/version"
)

func main() {
	target := flag.String("target", "127.0.0.1:5005", "UDP address to send datagrams to")
	outFile := flag.String("out", "", "write concatenated datagrams to this file instead of UDP")
	rate := flag.Float64("rate", 50.0, "frame rate in Hz")
	aircraft := flag.Int("aircraft", 50, "simultaneous aircraft")
	duration := flag.Duration("duration", 10*time.Second, "run length; zero runs forever")
	day := flag.Int("day", 120, "TSPI day field")
	logLevel := flag.String("log-level", "info", "log level")
	pretty := flag.Bool("pretty", false, "human-readable log output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("generator %s (%s)\n", version.Version, version.GitSHA)
		return
	}

	log := monitoring.NewLogger("generator", *logLevel, *pretty)

	cfg := tspi.DefaultFlightConfig()
	cfg.RateHz = *rate
	cfg.Count = *aircraft
	cfg.Day = uint16(*day)
	gen := tspi.NewFlightGenerator(cfg)

	var emit func([]byte) error
	switch {
	case *outFile != "":
		f, err := os.Create(*outFile)
		if err != nil {
			log.Error().Err(err).Msg("could not create output file")
			os.Exit(1)
		}
		defer f.Close()
		emit = func(frame []byte) error {
			_, err := f.Write(frame)
			return err
		}
	default:
		conn, err := net.Dial("udp", *target)
		if err != nil {
			log.Error().Err(err).Msg("could not dial target")
			os.Exit(1)
		}
		defer conn.Close()
		emit = func(frame []byte) error {
			_, err := conn.Write(frame)
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(float64(time.Second) / cfg.RateHz)
	start := time.Now()
	sent := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if *duration > 0 && time.Since(start) >= *duration {
			break
		}
		for _, frame := range gen.Generate(1) {
			if err := emit(frame.Datagram); err != nil {
				log.Error().Err(err).Msg("emit failed")
				os.Exit(1)
			}
			sent++
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
	log.Info().Int("datagrams", sent).Msg("generator finished")
}
