package tspi

import (
	"encoding/binary"
	"math"
)

// FlightConfig controls the synthetic flight generator.
type FlightConfig struct {
	Count       int     // simultaneous aircraft
	RateHz      float64 // frames per second
	SpeedMinMPS float64
	SpeedMaxMPS float64
	Day         uint16
}

// DefaultFlightConfig mirrors the bench defaults used for load testing.
func DefaultFlightConfig() FlightConfig {
	return FlightConfig{
		Count:       50,
		RateHz:      50.0,
		SpeedMinMPS: 50.0,
		SpeedMaxMPS: 200.0,
		Day:         120,
	}
}

// Frame is one generated datagram together with its synthetic capture time.
type Frame struct {
	Datagram    []byte
	TimeSeconds float64
}

// FlightGenerator produces deterministic geocentric datagrams for a set of
// aircraft flying circular tracks. The same configuration always yields the
// same byte stream.
type FlightGenerator struct {
	config     FlightConfig
	dt         float64
	frameIndex int
}

// NewFlightGenerator returns a generator for the given configuration.
func NewFlightGenerator(config FlightConfig) *FlightGenerator {
	if config.Count <= 0 {
		config.Count = 1
	}
	if config.RateHz <= 0 {
		config.RateHz = 50.0
	}
	return &FlightGenerator{config: config, dt: 1.0 / config.RateHz}
}

func (g *FlightGenerator) sensorID(index int) uint16 {
	return uint16(10000 + index)
}

func (g *FlightGenerator) header(sensorID uint16, timeTicks uint32) []byte {
	buf := make([]byte, headerLength)
	buf[0] = typeGeocentric
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], sensorID)
	binary.BigEndian.PutUint16(buf[4:6], g.config.Day)
	binary.BigEndian.PutUint32(buf[6:10], timeTicks)
	buf[10] = 0xFF
	binary.BigEndian.PutUint16(buf[11:13], 0x0001)
	return buf
}

func (g *FlightGenerator) payload(angle, speed float64) []byte {
	vx := speed * math.Cos(angle)
	vy := speed * math.Sin(angle)
	vz := 5.0
	ax := 0.1 * math.Cos(angle)
	ay := 0.1 * math.Sin(angle)
	x := vx * 10
	y := vy * 10
	z := 1000.0

	buf := make([]byte, payloadLength)
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(x*100)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(y*100)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(int32(z*100)))
	binary.BigEndian.PutUint16(buf[12:14], uint16(int16(vx*100)))
	binary.BigEndian.PutUint16(buf[14:16], uint16(int16(vy*100)))
	binary.BigEndian.PutUint16(buf[16:18], uint16(int16(vz*100)))
	binary.BigEndian.PutUint16(buf[18:20], uint16(int16(ax*100)))
	binary.BigEndian.PutUint16(buf[20:22], uint16(int16(ay*100)))
	binary.BigEndian.PutUint16(buf[22:24], uint16(int16(0)))
	return buf
}

// Generate returns the next frames*Count datagrams, advancing internal
// state so successive calls continue the flights.
func (g *FlightGenerator) Generate(frames int) []Frame {
	var out []Frame
	for f := 0; f < frames; f++ {
		timeSeconds := float64(g.frameIndex) * g.dt
		timeTicks := uint32(timeSeconds * 10000)
		for aircraft := 0; aircraft < g.config.Count; aircraft++ {
			angle := (float64(aircraft)/float64(g.config.Count))*2*math.Pi +
				float64(g.frameIndex)*0.01
			span := g.config.SpeedMaxMPS - g.config.SpeedMinMPS
			denom := math.Max(float64(g.config.Count-1), 1)
			speed := g.config.SpeedMinMPS + span*(float64(aircraft)/denom)
			datagram := append(g.header(g.sensorID(aircraft), timeTicks), g.payload(angle, speed)...)
			out = append(out, Frame{Datagram: datagram, TimeSeconds: timeSeconds})
		}
		g.frameIndex++
	}
	return out
}

// Stream generates duration*rate frames and hands each datagram to fn with
// a receive timestamp offset from baseEpoch. fn errors abort the stream.
func (g *FlightGenerator) Stream(durationSeconds float64, baseEpoch float64, fn func(datagram []byte, recvEpoch float64) error) error {
	frames := int(durationSeconds * g.config.RateHz)
	for _, frame := range g.Generate(frames) {
		if err := fn(frame.Datagram, baseEpoch+frame.TimeSeconds); err != nil {
			return err
		}
	}
	return nil
}
