package tspi

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func geocentricDatagram(t *testing.T, sensorID uint16, day uint16, ticks uint32, status uint8, flags uint16, values [9]float64) []byte {
	t.Helper()
	buf := make([]byte, DatagramLength)
	buf[0] = 0xC1
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], sensorID)
	binary.BigEndian.PutUint16(buf[4:6], day)
	binary.BigEndian.PutUint32(buf[6:10], ticks)
	buf[10] = status
	binary.BigEndian.PutUint16(buf[11:13], flags)
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint32(buf[13+i*4:17+i*4], uint32(int32(math.Round(values[i]*100))))
	}
	for i := 0; i < 6; i++ {
		binary.BigEndian.PutUint16(buf[25+i*2:27+i*2], uint16(int16(math.Round(values[3+i]*100))))
	}
	return buf
}

func sphericalDatagram(t *testing.T, sensorID uint16, day uint16, ticks uint32, rangeM, azDeg, elDeg float64, rates [6]float64) []byte {
	t.Helper()
	buf := make([]byte, DatagramLength)
	buf[0] = 0xC2
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], sensorID)
	binary.BigEndian.PutUint16(buf[4:6], day)
	binary.BigEndian.PutUint32(buf[6:10], ticks)
	buf[10] = 0x07
	binary.BigEndian.PutUint16(buf[11:13], 0x0000)
	binary.BigEndian.PutUint32(buf[13:17], uint32(int32(math.Round(rangeM*100))))
	binary.BigEndian.PutUint32(buf[17:21], uint32(math.Round(azDeg*1e6)))
	binary.BigEndian.PutUint32(buf[21:25], uint32(math.Round(elDeg*1e6)))
	for i := 0; i < 6; i++ {
		binary.BigEndian.PutUint16(buf[25+i*2:27+i*2], uint16(int16(math.Round(rates[i]*100))))
	}
	return buf
}

func TestParseGeocentric(t *testing.T) {
	raw := geocentricDatagram(t, 501, 123, 15340, 0xFF, 0x0001,
		[9]float64{5123.25, -15.5, 1200.0, 0, 0, 0, 0, 0, 0})

	d, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, Geocentric, d.Kind)
	require.Equal(t, uint16(501), d.SensorID)
	require.Equal(t, uint16(123), d.Day)
	require.Equal(t, uint32(15340), d.TimeTicks)
	require.InDelta(t, 1.534, d.TimeSeconds(), 1e-9)
	require.Equal(t, uint8(0xFF), d.Status)
	require.Equal(t, "501:123:15340", d.DedupID())
	require.Equal(t, "tspi.geocentric.501", d.Subject(""))

	require.InDelta(t, 5123.25, d.Payload["x_m"], 1e-9)
	require.InDelta(t, -15.5, d.Payload["y_m"], 1e-9)
	require.InDelta(t, 1200.0, d.Payload["z_m"], 1e-9)
	require.InDelta(t, 0.0, d.Payload["vx_mps"], 1e-9)
}

func TestParseSpherical(t *testing.T) {
	raw := sphericalDatagram(t, 2048, 42, 923400, 3800.0, 52.123456, 10.654321,
		[6]float64{0.5, -0.25, 12.0, 0, 0, 0})

	d, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, Spherical, d.Kind)
	require.Equal(t, "2048:42:923400", d.DedupID())
	require.Equal(t, "tspi.spherical.2048", d.Subject(""))
	require.InDelta(t, 3800.0, d.Payload["range_m"], 1e-9)
	require.InDelta(t, 52.123456, d.Payload["azimuth_deg"], 1e-9)
	require.InDelta(t, 10.654321, d.Payload["elevation_deg"], 1e-9)
	require.InDelta(t, 0.5, d.Payload["azimuth_rate_dps"], 1e-9)
	require.InDelta(t, -0.25, d.Payload["elevation_rate_dps"], 1e-9)
	require.InDelta(t, 12.0, d.Payload["range_rate_mps"], 1e-9)
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		mould func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:20] }},
		{"long", func(b []byte) []byte { return append(b, 0x00) }},
		{"bad type", func(b []byte) []byte { b[0] = 0xC3; return b }},
		{"bad version", func(b []byte) []byte { b[1] = 3; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := geocentricDatagram(t, 1, 1, 1, 0, 0, [9]float64{})
			_, err := Parse(tt.mould(raw))
			require.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		geocentricDatagram(t, 501, 123, 15340, 0xFF, 0x0001,
			[9]float64{5123.25, -15.5, 1200.0, 42.17, -3.99, 5.0, 0.1, -0.1, 0}),
		sphericalDatagram(t, 2048, 42, 923400, 3800.0, 52.123456, 10.654321,
			[6]float64{0.5, -0.25, 12.0, 1.25, -1.25, 0.01}),
		geocentricDatagram(t, 65535, 366, 863999999, 0x00, 0xFFFF,
			[9]float64{-21474836.48 / 2, 0.01, -0.01, 327.67, -327.68, 0, 0, 0, 0}),
	}
	for _, raw := range cases {
		d, err := Parse(raw)
		require.NoError(t, err)
		encoded, err := d.Encode()
		require.NoError(t, err)
		require.True(t, bytes.Equal(raw, encoded), "round trip mismatch\n in: %x\nout: %x", raw, encoded)
	}
}

func TestDedupIDStableUnderStatusChanges(t *testing.T) {
	base := geocentricDatagram(t, 77, 10, 999, 0x00, 0x0000, [9]float64{})
	flipped := geocentricDatagram(t, 77, 10, 999, 0xFF, 0x01FF, [9]float64{1, 2, 3, 4, 5, 6, 7, 8, 9})

	a, err := Parse(base)
	require.NoError(t, err)
	b, err := Parse(flipped)
	require.NoError(t, err)
	require.Equal(t, a.DedupID(), b.DedupID())
}

func TestStatusFlags(t *testing.T) {
	// status byte holds bits 0..7, the MSB word supplies bit 8.
	raw := geocentricDatagram(t, 1, 1, 1, 0b00000101, 0x0001, [9]float64{})
	d, err := Parse(raw)
	require.NoError(t, err)
	flags := d.StatusFlags()
	require.Len(t, flags, 9)
	require.True(t, flags["position_x_valid"])
	require.False(t, flags["position_y_valid"])
	require.True(t, flags["position_z_valid"])
	require.True(t, flags["acceleration_z_valid"])
	require.False(t, flags["acceleration_y_valid"])
}

func TestFlightGeneratorDeterministic(t *testing.T) {
	a := NewFlightGenerator(FlightConfig{Count: 3, RateHz: 10, SpeedMinMPS: 50, SpeedMaxMPS: 100, Day: 120})
	b := NewFlightGenerator(FlightConfig{Count: 3, RateHz: 10, SpeedMinMPS: 50, SpeedMaxMPS: 100, Day: 120})

	framesA := a.Generate(5)
	framesB := b.Generate(5)
	require.Equal(t, len(framesA), len(framesB))
	require.Equal(t, 15, len(framesA))
	for i := range framesA {
		require.True(t, bytes.Equal(framesA[i].Datagram, framesB[i].Datagram))
	}

	for _, frame := range framesA {
		d, err := Parse(frame.Datagram)
		require.NoError(t, err)
		require.Equal(t, Geocentric, d.Kind)
		require.Equal(t, uint16(120), d.Day)
		require.GreaterOrEqual(t, d.SensorID, uint16(10000))
	}
}

func TestFlightGeneratorStream(t *testing.T) {
	g := NewFlightGenerator(FlightConfig{Count: 2, RateHz: 10, SpeedMinMPS: 50, SpeedMaxMPS: 100, Day: 1})
	var count int
	var lastEpoch float64
	err := g.Stream(1.0, 1700000000.0, func(datagram []byte, recvEpoch float64) error {
		count++
		lastEpoch = recvEpoch
		_, err := Parse(datagram)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 20, count)
	require.InDelta(t, 1700000000.9, lastEpoch, 1e-6)
}
