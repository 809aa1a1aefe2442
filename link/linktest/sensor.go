package linktest

import (
	"bytes"
	"sync"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/sweep"
)

// Sensor scripts the firmware side of a transfer: it answers the metadata
// command with a metadata frame and each data command with the next data
// frame, if any is left.
type Sensor struct {
	mutex sync.Mutex

	Meta        codec.DeviceMetadata
	Frames      [][]byte
	MetaCommand []byte
	DataCommand []byte

	// Stall is the number of data commands ignored before each data frame,
	// as when the sensor is still measuring.
	Stall int

	stalled int
}

// NewSensor returns a sensor that sends points split into frames of the
// given sizes, using the default '0'/'1' commands.
func NewSensor(meta codec.DeviceMetadata, points []sweep.Point, sizes ...int) *Sensor {
	s := &Sensor{
		Meta:        meta,
		MetaCommand: []byte("0"),
		DataCommand: []byte("1"),
	}
	c := codec.New()
	for _, n := range sizes {
		frame, err := c.EncodeData(points[:n])
		if err != nil {
			panic(err)
		}
		s.Frames = append(s.Frames, frame)
		points = points[n:]
	}
	return s
}

// Respond implements the command handler of Link
func (s *Sensor) Respond(cmd []byte) [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch {
	case bytes.Equal(cmd, s.MetaCommand):
		return [][]byte{codec.EncodeMetadata(s.Meta)}
	case bytes.Equal(cmd, s.DataCommand):
		if len(s.Frames) == 0 {
			return nil
		}
		if s.stalled < s.Stall {
			s.stalled++
			return nil
		}
		s.stalled = 0
		frame := s.Frames[0]
		s.Frames = s.Frames[1:]
		return [][]byte{frame}
	}
	return nil
}

// Link returns a new in-memory link driven by this sensor
func (s *Sensor) Link() *Link {
	l := New()
	l.Respond = s.Respond
	return l
}

// Points returns n points with increasing frequencies
func Points(n int) []sweep.Point {
	points := make([]sweep.Point, n)
	for i := range points {
		points[i] = sweep.Point{
			Frequency: uint32(1000 + 500*i),
			Real:      int16(100 + i),
			Imag:      int16(-56 - i),
		}
	}
	return points
}
