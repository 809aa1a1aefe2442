package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Lazloian/EMI-Analyzer/sweep"
)

// Frame layout. Byte 0 is the frame kind: 0 is metadata, N > 0 is a data
// frame carrying N points.
//
//	metadata: kind(1)=0 | frequency_count(u32) | sensor_time(u32) | temperature(u16)
//	data:     kind(1)=N | N x { frequency(u32) | real(i16) | imag(i16) }
const (
	KindMetadata = 0x00

	MetadataFrameSize = 11
	PointSize         = 8
	MaxPointsPerFrame = 255
)

// ErrMalformedFrame is returned when a frame length does not match its kind
var ErrMalformedFrame = errors.New("malformed frame")

// Kind classifies a frame
type Kind int

const (
	Metadata Kind = iota
	Data
)

func (k Kind) String() string {
	switch k {
	case Metadata:
		return "metadata"
	case Data:
		return "data"
	}
	return "unknown"
}

// DeviceMetadata is the part of sweep metadata carried by a metadata frame
type DeviceMetadata struct {
	FrequencyCount uint32
	SensorTime     uint32
	Temperature    uint16
}

// Frame is a decoded frame. Exactly one of Meta and Points is meaningful,
// according to Kind.
type Frame struct {
	Kind   Kind
	Meta   DeviceMetadata
	Points []sweep.Point
}

// Codec decodes and encodes frames. The zero value is not usable; use New.
type Codec struct {
	// order of the real/imag fields. Frequency and all metadata fields
	// are always little-endian.
	order binary.ByteOrder
}

// Option configures a Codec
type Option func(*Codec)

// WithByteOrder sets the byte order of the real and imaginary fields.
// One legacy USB host reads them big-endian; the device firmware and
// the BLE path use little-endian.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(c *Codec) {
		c.order = order
	}
}

// New returns a codec, little-endian unless configured otherwise
func New(options ...Option) *Codec {
	c := &Codec{order: binary.LittleEndian}
	for _, option := range options {
		option(c)
	}
	return c
}

// FrameSize returns the total length in bytes of a frame with the given kind byte
func FrameSize(kind byte) int {
	if kind == KindMetadata {
		return MetadataFrameSize
	}
	return 1 + PointSize*int(kind)
}

// Decode classifies and decodes a frame
func (c *Codec) Decode(frame []byte) (*Frame, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if frame[0] == KindMetadata {
		meta, err := DecodeMetadata(frame)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: Metadata, Meta: meta}, nil
	}
	points, err := c.DecodeData(frame)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: Data, Points: points}, nil
}

// DecodeMetadata decodes an 11-byte metadata frame
func DecodeMetadata(frame []byte) (DeviceMetadata, error) {
	var meta DeviceMetadata
	if len(frame) != MetadataFrameSize || frame[0] != KindMetadata {
		return meta, fmt.Errorf("%w: metadata frame of %d bytes, expected %d", ErrMalformedFrame, len(frame), MetadataFrameSize)
	}

	// bytes 1-4: frequency_count (uint32, little-endian)
	// bytes 5-8: sensor_time (uint32, little-endian)
	// bytes 9-10: temperature (uint16, little-endian)
	meta.FrequencyCount = binary.LittleEndian.Uint32(frame[1:5])
	meta.SensorTime = binary.LittleEndian.Uint32(frame[5:9])
	meta.Temperature = binary.LittleEndian.Uint16(frame[9:11])
	return meta, nil
}

// DecodeData decodes a data frame into its points
func (c *Codec) DecodeData(frame []byte) ([]sweep.Point, error) {
	if len(frame) == 0 || frame[0] == KindMetadata {
		return nil, fmt.Errorf("%w: not a data frame", ErrMalformedFrame)
	}
	n := int(frame[0])
	if len(frame) != FrameSize(frame[0]) {
		return nil, fmt.Errorf("%w: data frame of kind %d has %d bytes, expected %d",
			ErrMalformedFrame, n, len(frame), FrameSize(frame[0]))
	}

	points := make([]sweep.Point, n)
	for i := range points {
		p := frame[1+i*PointSize : 1+(i+1)*PointSize]
		points[i] = sweep.Point{
			Frequency: binary.LittleEndian.Uint32(p[0:4]),
			Real:      int16(c.order.Uint16(p[4:6])),
			Imag:      int16(c.order.Uint16(p[6:8])),
		}
	}
	return points, nil
}

// EncodeMetadata builds a metadata frame
func EncodeMetadata(meta DeviceMetadata) []byte {
	frame := make([]byte, MetadataFrameSize)
	frame[0] = KindMetadata
	binary.LittleEndian.PutUint32(frame[1:5], meta.FrequencyCount)
	binary.LittleEndian.PutUint32(frame[5:9], meta.SensorTime)
	binary.LittleEndian.PutUint16(frame[9:11], meta.Temperature)
	return frame
}

// EncodeData builds a data frame. It fails if points is empty or longer
// than MaxPointsPerFrame.
func (c *Codec) EncodeData(points []sweep.Point) ([]byte, error) {
	if len(points) == 0 || len(points) > MaxPointsPerFrame {
		return nil, fmt.Errorf("cannot encode %d points in one frame (1..%d)", len(points), MaxPointsPerFrame)
	}
	frame := make([]byte, FrameSize(byte(len(points))))
	frame[0] = byte(len(points))
	for i, pt := range points {
		p := frame[1+i*PointSize : 1+(i+1)*PointSize]
		binary.LittleEndian.PutUint32(p[0:4], pt.Frequency)
		c.order.PutUint16(p[4:6], uint16(pt.Real))
		c.order.PutUint16(p[6:8], uint16(pt.Imag))
	}
	return frame, nil
}

// ParseByteOrder maps a configuration value to a byte order
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch name {
	case "", "little":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q (must be little or big)", name)
}
