package player

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/wire"
)

// HeadlessOptions tunes a headless playback run.
type HeadlessOptions struct {
	// Duration bounds the run; zero means unbounded.
	Duration time.Duration
	// ExitOnIdle stops the run once the channel is drained and the
	// timeline is exhausted.
	ExitOnIdle bool
	// MetricsWriter receives one JSON metrics line per interval. Nil
	// disables metrics output.
	MetricsWriter io.Writer
	// WriteCBORDir, when set, re-encodes every played frame to a CBOR
	// file in this directory.
	WriteCBORDir string
}

// HeadlessRunner drives a player state without a UI, for soak tests and
// scripted replays.
type HeadlessRunner struct {
	state *State
	clock timeutil.Clock
	log   zerolog.Logger
	opts  HeadlessOptions

	frameIndex int
}

// NewHeadlessRunner wires a runner over the given state.
func NewHeadlessRunner(state *State, clock timeutil.Clock, log zerolog.Logger, opts HeadlessOptions) (*HeadlessRunner, error) {
	if state == nil {
		return nil, fmt.Errorf("player: headless runner requires a state")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.WriteCBORDir != "" {
		if err := os.MkdirAll(opts.WriteCBORDir, 0o755); err != nil {
			return nil, fmt.Errorf("player: create cbor dir: %w", err)
		}
	}
	r := &HeadlessRunner{state: state, clock: clock, log: log, opts: opts}
	if opts.MetricsWriter != nil {
		state.MetricsUpdated.Connect(func(m Metrics) {
			fmt.Fprintln(opts.MetricsWriter, m.ToJSON())
		})
	}
	return r, nil
}

// Run plays until the duration elapses, the context is cancelled, or the
// channel goes idle with ExitOnIdle set.
func (r *HeadlessRunner) Run(ctx context.Context) error {
	start := r.clock.Now()
	r.state.Start()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.opts.Duration > 0 && r.clock.Now().Sub(start) >= r.opts.Duration {
			return nil
		}
		if r.state.Playing() {
			before := r.state.Position()
			if err := r.state.StepOnce(); err != nil {
				return err
			}
			if r.state.Position() > before && r.opts.WriteCBORDir != "" {
				if err := r.writeFrame(); err != nil {
					return err
				}
			}
			r.clock.Sleep(r.stepInterval())
			continue
		}
		// StepOnce paused us: the preload came back empty.
		if r.opts.ExitOnIdle {
			return nil
		}
		r.state.Start()
		r.clock.Sleep(50 * time.Millisecond)
	}
}

// stepInterval is the inter-frame sleep at the current playback rate.
func (r *HeadlessRunner) stepInterval() time.Duration {
	rate := r.state.Rate()
	if rate < 0.01 {
		rate = 0.01
	}
	interval := time.Duration(float64(50*time.Millisecond) / rate)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// writeFrame re-encodes the record just played to a numbered CBOR file.
func (r *HeadlessRunner) writeFrame() error {
	index := r.state.Position() - 1
	if index < 0 || index >= r.state.TimelineLength() {
		return nil
	}
	payload := r.state.timeline[index]
	data, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("player: encode frame: %w", err)
	}
	name := filepath.Join(r.opts.WriteCBORDir, fmt.Sprintf("frame-%06d.cbor", r.frameIndex))
	r.frameIndex++
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("player: write frame: %w", err)
	}
	return nil
}
