// Package tspi parses and encodes the 37-byte binary TSPI datagrams emitted
// by range sensor equipment.
//
// Wire layout (big-endian): type byte, version, sensor id (u16), day of year
// (u16), time ticks in 100-microsecond units (u32), status byte, status flag
// high bits (u16), then nine scaled integers whose interpretation depends on
// the type byte.
package tspi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Kind identifies the coordinate system carried by a datagram.
type Kind string

const (
	// Geocentric datagrams carry XYZ position, velocity and acceleration.
	Geocentric Kind = "geocentric"
	// Spherical datagrams carry range/azimuth/elevation triples.
	Spherical Kind = "spherical"
)

const (
	// DatagramLength is the exact wire size of a TSPI datagram.
	DatagramLength = 37
	// Version is the only protocol version the codec accepts.
	Version = 4

	headerLength  = 13
	payloadLength = DatagramLength - headerLength

	typeGeocentric = 0xC1
	typeSpherical  = 0xC2
)

// ErrParse is wrapped by every datagram decoding failure.
var ErrParse = errors.New("tspi: parse error")

// FlagNames lists the status flag labels in bit order (bit 0 first).
var FlagNames = [9]string{
	"position_x_valid",
	"position_y_valid",
	"position_z_valid",
	"velocity_x_valid",
	"velocity_y_valid",
	"velocity_z_valid",
	"acceleration_x_valid",
	"acceleration_y_valid",
	"acceleration_z_valid",
}

// GeocentricKeys lists the payload field names for geocentric datagrams in
// wire order.
var GeocentricKeys = [9]string{
	"x_m", "y_m", "z_m",
	"vx_mps", "vy_mps", "vz_mps",
	"ax_mps2", "ay_mps2", "az_mps2",
}

// SphericalKeys lists the payload field names for spherical datagrams in
// wire order.
var SphericalKeys = [9]string{
	"range_m", "azimuth_deg", "elevation_deg",
	"azimuth_rate_dps", "elevation_rate_dps", "range_rate_mps",
	"azimuth_accel_dps2", "elevation_accel_dps2", "range_accel_mps2",
}

// Datagram is the canonical decoded representation of one TSPI observation.
// Instances are created by Parse and never mutated.
type Datagram struct {
	Kind      Kind
	Version   uint8
	SensorID  uint16
	Day       uint16
	TimeTicks uint32
	Status    uint8
	FlagsMSB  uint16
	Payload   map[string]float64
}

// TimeSeconds converts the tick counter to seconds since start of day.
func (d *Datagram) TimeSeconds() float64 {
	return float64(d.TimeTicks) / 10000.0
}

// DedupID returns the broker deduplication identifier. It depends only on
// (sensor id, day, time ticks) so status changes do not defeat dedup.
func (d *Datagram) DedupID() string {
	return fmt.Sprintf("%d:%d:%d", d.SensorID, d.Day, d.TimeTicks)
}

// Subject returns the broker routing subject under the given prefix
// (defaults to "tspi" when empty).
func (d *Datagram) Subject(prefix string) string {
	if prefix == "" {
		prefix = "tspi"
	}
	return fmt.Sprintf("%s.%s.%d", prefix, d.Kind, d.SensorID)
}

// StatusFlags expands the combined status bits into the named booleans.
func (d *Datagram) StatusFlags() map[string]bool {
	combined := uint32(d.Status) | uint32(d.FlagsMSB)<<8
	flags := make(map[string]bool, len(FlagNames))
	for i, name := range FlagNames {
		flags[name] = combined&(1<<uint(i)) != 0
	}
	return flags
}

// Parse decodes a 37-byte TSPI datagram.
func Parse(datagram []byte) (*Datagram, error) {
	if len(datagram) != DatagramLength {
		return nil, fmt.Errorf("%w: datagram must be exactly %d bytes; received %d",
			ErrParse, DatagramLength, len(datagram))
	}

	typeByte := datagram[0]
	version := datagram[1]
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported datagram version %d", ErrParse, version)
	}

	var kind Kind
	switch typeByte {
	case typeGeocentric:
		kind = Geocentric
	case typeSpherical:
		kind = Spherical
	default:
		return nil, fmt.Errorf("%w: unsupported message type byte 0x%02x", ErrParse, typeByte)
	}

	d := &Datagram{
		Kind:      kind,
		Version:   version,
		SensorID:  binary.BigEndian.Uint16(datagram[2:4]),
		Day:       binary.BigEndian.Uint16(datagram[4:6]),
		TimeTicks: binary.BigEndian.Uint32(datagram[6:10]),
		Status:    datagram[10],
		FlagsMSB:  binary.BigEndian.Uint16(datagram[11:13]),
	}

	body := datagram[headerLength:]
	if kind == Geocentric {
		d.Payload = parseGeocentric(body)
	} else {
		d.Payload = parseSpherical(body)
	}
	return d, nil
}

func parseGeocentric(body []byte) map[string]float64 {
	payload := make(map[string]float64, 9)
	for i := 0; i < 3; i++ {
		raw := int32(binary.BigEndian.Uint32(body[i*4 : i*4+4]))
		payload[GeocentricKeys[i]] = float64(raw) / 100.0
	}
	for i := 0; i < 6; i++ {
		off := 12 + i*2
		raw := int16(binary.BigEndian.Uint16(body[off : off+2]))
		payload[GeocentricKeys[3+i]] = float64(raw) / 100.0
	}
	return payload
}

func parseSpherical(body []byte) map[string]float64 {
	payload := make(map[string]float64, 9)
	rangeRaw := int32(binary.BigEndian.Uint32(body[0:4]))
	payload["range_m"] = float64(rangeRaw) / 100.0
	payload["azimuth_deg"] = float64(binary.BigEndian.Uint32(body[4:8])) / 1e6
	payload["elevation_deg"] = float64(binary.BigEndian.Uint32(body[8:12])) / 1e6
	for i := 0; i < 6; i++ {
		off := 12 + i*2
		raw := int16(binary.BigEndian.Uint16(body[off : off+2]))
		payload[SphericalKeys[3+i]] = float64(raw) / 100.0
	}
	return payload
}

// Encode renders the datagram back to its 37-byte wire form. For any
// datagram produced by Parse the output is bit-for-bit identical to the
// input.
func (d *Datagram) Encode() ([]byte, error) {
	out := make([]byte, DatagramLength)
	switch d.Kind {
	case Geocentric:
		out[0] = typeGeocentric
	case Spherical:
		out[0] = typeSpherical
	default:
		return nil, fmt.Errorf("%w: unknown datagram kind %q", ErrParse, d.Kind)
	}
	out[1] = d.Version
	binary.BigEndian.PutUint16(out[2:4], d.SensorID)
	binary.BigEndian.PutUint16(out[4:6], d.Day)
	binary.BigEndian.PutUint32(out[6:10], d.TimeTicks)
	out[10] = d.Status
	binary.BigEndian.PutUint16(out[11:13], d.FlagsMSB)

	body := out[headerLength:]
	if d.Kind == Geocentric {
		for i := 0; i < 3; i++ {
			raw := int32(math.Round(d.Payload[GeocentricKeys[i]] * 100.0))
			binary.BigEndian.PutUint32(body[i*4:i*4+4], uint32(raw))
		}
		for i := 0; i < 6; i++ {
			raw := int16(math.Round(d.Payload[GeocentricKeys[3+i]] * 100.0))
			binary.BigEndian.PutUint16(body[12+i*2:14+i*2], uint16(raw))
		}
		return out, nil
	}
	rangeRaw := int32(math.Round(d.Payload["range_m"] * 100.0))
	binary.BigEndian.PutUint32(body[0:4], uint32(rangeRaw))
	binary.BigEndian.PutUint32(body[4:8], uint32(math.Round(d.Payload["azimuth_deg"]*1e6)))
	binary.BigEndian.PutUint32(body[8:12], uint32(math.Round(d.Payload["elevation_deg"]*1e6)))
	for i := 0; i < 6; i++ {
		raw := int16(math.Round(d.Payload[SphericalKeys[3+i]] * 100.0))
		binary.BigEndian.PutUint16(body[12+i*2:14+i*2], uint16(raw))
	}
	return out, nil
}
