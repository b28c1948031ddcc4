// Package player implements the playback state engine: a bounded timeline
// over broker traffic with scrubbing, seeking, channel switching and
// latest-wins command and tag state.
package player

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/viljo/Low-latency-stream-kit/internal/schema"
	"github.com/viljo/Low-latency-stream-kit/internal/timeutil"
	"github.com/viljo/Low-latency-stream-kit/internal/units"
)

// Metrics is the periodic runtime snapshot the player emits.
type Metrics struct {
	Frames   int     `json:"frames"`
	Rate     float64 `json:"rate"`
	Clock    string  `json:"clock"`
	Lag      int     `json:"lag"`
	Source   string  `json:"source"`
	Position int     `json:"position"`
	Timeline int     `json:"timeline"`
}

// ToJSON renders the metrics as a single JSON line.
func (m Metrics) ToJSON() string {
	out, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// Counters are the Prometheus collectors mirroring the JSON metrics line.
// Register with NewCounters.
type Counters struct {
	Frames prometheus.Counter
	Lag    prometheus.Gauge
}

// NewCounters registers the player collectors on reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tspi", Subsystem: "player", Name: "frames_total",
			Help: "Timeline records played.",
		}),
		Lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tspi", Subsystem: "player", Name: "lag_messages",
			Help: "Messages pending on the active channel consumer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Frames, c.Lag)
	}
	return c
}

// State is the playback controller shared by the UI and headless runners.
// It is single-threaded by design; callers drive it from one goroutine.
type State struct {
	MetricsUpdated      Signal[Metrics]
	DisplayUnitsChanged Signal[string]
	MarkerColorChanged  Signal[string]
	CommandEvent        Signal[map[string]any]
	TagEvent            Signal[map[string]any]
	StateChanged        Signal[string]
	GroupReplayChanged  Signal[string]
	ErrorOccurred       Signal[error]

	cfg       Config
	clock     timeutil.Clock
	log       zerolog.Logger
	mapView   *MapView
	counters  *Counters
	factories map[string]SourceFactory

	current        string
	receiver       Source
	playing        bool
	timeline       []map[string]any
	position       int
	historyLimit   int
	tags           map[string]map[string]any
	sidebandCursor int

	metrics     Metrics
	lastMetrics time.Time
	clockSource string
	rate        float64
	units       string
	markerColor string
	drops       int
}

// NewState builds a player over the given channel map. Channel names are
// normalised: "live" aliases "livestream" and "historical" aliases
// "replay.default". The initial channel falls back to livestream, then to
// any channel, when the requested one is absent.
func NewState(sources map[string]SourceFactory, cfg Config, initialSource string, mapView *MapView, clock timeutil.Clock, log zerolog.Logger) (*State, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("player: at least one telemetry source must be provided")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.ScrubHistorySize < 1 {
		cfg.ScrubHistorySize = 1
	}

	factories := make(map[string]SourceFactory, len(sources))
	for name, factory := range sources {
		channelID, err := NormalizeChannelName(name)
		if err != nil {
			return nil, err
		}
		factories[channelID] = factory
	}

	initial, err := NormalizeChannelName(initialSource)
	if err != nil {
		return nil, err
	}
	if _, ok := factories[initial]; !ok {
		if _, ok := factories["livestream"]; ok {
			initial = "livestream"
		} else {
			for name := range factories {
				initial = name
				break
			}
		}
	}
	receiver, err := factories[initial]()
	if err != nil {
		return nil, fmt.Errorf("player: open channel %s: %w", initial, err)
	}

	counters := cfg.Counters
	if counters == nil {
		counters = NewCounters(nil)
	}
	s := &State{
		cfg:          cfg,
		clock:        clock,
		log:          log,
		mapView:      mapView,
		counters:     counters,
		factories:    factories,
		current:      initial,
		receiver:     receiver,
		historyLimit: cfg.ScrubHistorySize,
		tags:         map[string]map[string]any{},
		clockSource:  cfg.DefaultClock,
		rate:         cfg.DefaultRate,
		units:        cfg.DefaultUnits,
		markerColor:  cfg.DefaultMarkerColor,
		lastMetrics:  clock.Now(),
	}
	s.metrics = Metrics{Clock: cfg.DefaultClock, Rate: cfg.DefaultRate, Source: initial}
	if mapView != nil {
		mapView.SetMarkerColor(s.markerColor)
	}
	return s, nil
}

// NormalizeChannelName resolves the channel aliases.
func NormalizeChannelName(name string) (string, error) {
	label := strings.TrimSpace(name)
	if label == "" {
		return "", fmt.Errorf("player: channel name must be non-empty")
	}
	switch strings.ToLower(label) {
	case "live", "livestream":
		return "livestream", nil
	case "historical":
		return "replay.default", nil
	}
	return label, nil
}

// Playing reports whether playback is running.
func (s *State) Playing() bool { return s.playing }

// CurrentChannel returns the active channel id.
func (s *State) CurrentChannel() string { return s.current }

// AvailableChannels lists the configured channel ids.
func (s *State) AvailableChannels() []string {
	out := make([]string, 0, len(s.factories))
	for name := range s.factories {
		out = append(out, name)
	}
	return out
}

// DisplayUnits returns the latest display units.
func (s *State) DisplayUnits() string { return s.units }

// MarkerColor returns the latest marker colour.
func (s *State) MarkerColor() string { return s.markerColor }

// Rate returns the playback rate.
func (s *State) Rate() float64 { return s.rate }

// ClockSource returns the active clock source ("receive" or "tspi").
func (s *State) ClockSource() string { return s.clockSource }

// Tags returns a copy of the current tag table.
func (s *State) Tags() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.tags))
	for id, tag := range s.tags {
		out[id] = tag
	}
	return out
}

// TimelineLength returns the buffered record count.
func (s *State) TimelineLength() int { return len(s.timeline) }

// Position returns the playback cursor.
func (s *State) Position() int { return s.position }

// BufferSize returns how many buffered records remain ahead of the cursor.
func (s *State) BufferSize() int {
	if n := len(s.timeline) - s.position; n > 0 {
		return n
	}
	return 0
}

// SchemaDrops reports how many telemetry payloads failed validation.
func (s *State) SchemaDrops() int { return s.drops }

// Start begins playback.
func (s *State) Start() {
	if !s.playing {
		s.playing = true
		s.StateChanged.Emit("playing")
		s.emitMetrics(true)
	}
}

// Pause halts playback; the timeline and state are retained.
func (s *State) Pause() {
	if s.playing {
		s.playing = false
		s.StateChanged.Emit("paused")
		s.emitMetrics(true)
	}
}

// Preload fetches a batch from the active channel into the timeline.
// Telemetry is validated against the envelope schema; commands and tags are
// always admitted. The buffer is trimmed to the scrub history limit, moving
// the cursor back with it.
func (s *State) Preload(batch int) error {
	messages, err := s.receiver.Fetch(batch)
	if err != nil {
		s.ErrorOccurred.Emit(err)
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	for _, message := range messages {
		if isTagEvent(message) || isCommand(message) {
			s.timeline = append(s.timeline, message)
			continue
		}
		if err := schema.ValidatePayload(message); err != nil {
			s.drops++
			s.log.Debug().Err(err).Msg("dropped invalid telemetry payload")
			continue
		}
		s.timeline = append(s.timeline, message)
	}
	if drop := len(s.timeline) - s.historyLimit; drop > 0 {
		s.timeline = append([]map[string]any(nil), s.timeline[drop:]...)
		s.position = clampMin(s.position-drop, 0)
		s.sidebandCursor = clampMin(s.sidebandCursor-drop, 0)
	}
	s.emitMetrics(true)
	return nil
}

// StepOnce advances playback by one record, refilling from the channel
// when the cursor reaches the end of the buffer. Playback pauses when the
// channel has nothing more to offer.
func (s *State) StepOnce() error {
	if !s.playing {
		return nil
	}
	if s.position >= len(s.timeline) {
		if err := s.Preload(50); err != nil {
			return err
		}
		if s.position >= len(s.timeline) {
			s.Pause()
			return nil
		}
	}
	message := s.timeline[s.position]
	s.position++
	s.metrics.Frames++
	s.counters.Frames.Inc()
	s.metrics.Position = s.position
	s.metrics.Timeline = len(s.timeline)
	s.handleMessage(message)
	if s.position > s.sidebandCursor {
		s.sidebandCursor = s.position
	}
	s.emitMetrics(false)
	return nil
}

// Seek moves the cursor to the first timeline entry received at or after
// the given ISO timestamp. Unparseable input is ignored.
func (s *State) Seek(isoTimestamp string) {
	target, err := timeutil.ParseFlexible(isoTimestamp)
	if err != nil {
		return
	}
	targetEpoch := timeutil.EpochSeconds(target)
	previous := s.position
	newPosition := s.position
	for index, message := range s.timeline {
		iso, _ := message["recv_iso"].(string)
		if iso == "" {
			continue
		}
		recv, err := timeutil.ParseFlexible(iso)
		if err != nil {
			continue
		}
		if timeutil.EpochSeconds(recv) >= targetEpoch {
			newPosition = index
			break
		}
	}
	if newPosition != s.position {
		s.position = newPosition
		s.metrics.Position = s.position
		s.handleJump(previous, s.position)
	}
	s.emitMetrics(true)
}

// ScrubToIndex moves the cursor to index, clamped to the timeline bounds.
func (s *State) ScrubToIndex(index int) {
	if len(s.timeline) == 0 {
		return
	}
	previous := s.position
	if index < 0 {
		index = 0
	}
	if index > len(s.timeline)-1 {
		index = len(s.timeline) - 1
	}
	s.position = index
	s.metrics.Position = s.position
	s.handleJump(previous, s.position)
	s.emitMetrics(true)
}

// SeekToTag positions the cursor on a tag's timeline entry, falling back
// to seeking by the tag's recorded timestamp.
func (s *State) SeekToTag(tagID string) bool {
	tagID = strings.TrimSpace(tagID)
	if tagID == "" {
		return false
	}
	for index, message := range s.timeline {
		if id, _ := message["id"].(string); strings.TrimSpace(id) == tagID {
			s.position = index
			s.metrics.Position = s.position
			s.emitMetrics(true)
			return true
		}
	}
	if tag, ok := s.tags[tagID]; ok {
		for _, key := range []string{"recv_iso", "ts", "updated_ts"} {
			if iso, _ := tag[key].(string); iso != "" {
				s.Seek(iso)
				return true
			}
		}
	}
	return false
}

// SetRate clamps and applies a playback rate.
func (s *State) SetRate(rate float64) {
	if rate < s.cfg.RateMin {
		rate = s.cfg.RateMin
	}
	if rate > s.cfg.RateMax {
		rate = s.cfg.RateMax
	}
	s.rate = rate
	s.metrics.Rate = rate
	s.emitMetrics(true)
}

// SetClockSource selects "receive" or "tspi" as the playback clock; other
// values are ignored.
func (s *State) SetClockSource(clock string) {
	clock = strings.ToLower(clock)
	if clock != "receive" && clock != "tspi" {
		return
	}
	s.clockSource = clock
	s.metrics.Clock = clock
	s.emitMetrics(true)
}

// SetChannel switches to another configured channel. The timeline and
// position reset; command and tag latest state carries over.
func (s *State) SetChannel(channel string) error {
	normalized, err := NormalizeChannelName(channel)
	if err != nil {
		return err
	}
	factory, ok := s.factories[normalized]
	if !ok {
		return nil
	}
	if normalized == s.current {
		return nil
	}
	receiver, err := factory()
	if err != nil {
		err = fmt.Errorf("player: open channel %s: %w", normalized, err)
		s.ErrorOccurred.Emit(err)
		return err
	}
	previous := s.current
	s.current = normalized
	s.receiver = receiver
	s.timeline = nil
	s.position = 0
	s.sidebandCursor = 0
	s.metrics.Source = normalized
	s.metrics.Frames = 0
	if normalized != "livestream" {
		s.GroupReplayChanged.Emit(normalized)
	} else if previous != "livestream" {
		s.GroupReplayChanged.Emit("")
	}
	s.emitMetrics(true)
	return nil
}

// handleJump replays command and tag sideband state across forward jumps;
// backward jumps only move the cursor, latest-wins state is not rewound.
func (s *State) handleJump(previous, current int) {
	if current > previous {
		s.replaySideband(previous, current)
		s.sidebandCursor = current
	} else if current < previous && s.sidebandCursor > current {
		s.sidebandCursor = current
	}
}

func (s *State) replaySideband(start, end int) {
	if end <= start {
		return
	}
	if start < 0 {
		start = 0
	}
	if end > len(s.timeline) {
		end = len(s.timeline)
	}
	for _, message := range s.timeline[start:end] {
		switch {
		case isCommand(message):
			s.handleCommand(message)
		case isTagEvent(message):
			s.handleTag(message)
		}
	}
}

func isCommand(message map[string]any) bool {
	_, ok := message["cmd_id"]
	return ok
}

func isTagEvent(message map[string]any) bool {
	if isCommand(message) {
		return false
	}
	_, hasID := message["id"]
	_, hasStatus := message["status"]
	return hasID && hasStatus
}

func (s *State) handleMessage(message map[string]any) {
	switch {
	case isCommand(message):
		s.handleCommand(message)
	case isTagEvent(message):
		s.handleTag(message)
	default:
		s.handleTelemetry(message)
	}
}

func (s *State) handleCommand(message map[string]any) {
	payload, _ := message["payload"].(map[string]any)
	name, _ := message["name"].(string)
	switch name {
	case "display.units":
		system, _ := payload["units"].(string)
		system = strings.ToLower(system)
		if units.IsValid(system) && system != s.units {
			s.units = system
			s.DisplayUnitsChanged.Emit(system)
		}
	case "display.marker_color":
		color, _ := payload["marker_color"].(string)
		if color != "" && color != s.markerColor {
			s.markerColor = color
			if s.mapView != nil {
				s.mapView.SetMarkerColor(color)
			}
			s.MarkerColorChanged.Emit(color)
		}
	}
	s.CommandEvent.Emit(message)
}

func (s *State) handleTag(message map[string]any) {
	tagID, _ := message["id"].(string)
	tagID = strings.TrimSpace(tagID)
	if tagID == "" {
		return
	}
	status, _ := message["status"].(string)
	if strings.ToLower(status) == "deleted" {
		delete(s.tags, tagID)
	} else {
		s.tags[tagID] = message
	}
	s.TagEvent.Emit(message)
}

func (s *State) handleTelemetry(message map[string]any) {
	if s.mapView == nil {
		return
	}
	payload, ok := message["payload"].(map[string]any)
	if !ok {
		return
	}
	centerX := floatValue(payload, "x_m", "range_m")
	centerY := floatValue(payload, "y_m", "azimuth_deg")
	zoom := 1.0 + abs(floatValue(payload, "vx_mps", "range_rate_mps"))*0.01
	s.mapView.ApplyPosition(centerX, centerY, zoom)
}

func (s *State) emitMetrics(force bool) {
	now := s.clock.Now()
	if !force && now.Sub(s.lastMetrics) < s.cfg.MetricsInterval {
		return
	}
	s.lastMetrics = now
	pending, err := s.receiver.Pending()
	if err != nil {
		pending = 0
	}
	s.metrics.Lag = pending
	s.counters.Lag.Set(float64(pending))
	s.metrics.Timeline = len(s.timeline)
	s.MetricsUpdated.Emit(s.metrics)
}

// Metrics returns the latest metrics snapshot.
func (s *State) Metrics() Metrics {
	return s.metrics
}

func floatValue(payload map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case uint64:
			return float64(v)
		}
	}
	return 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampMin(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
