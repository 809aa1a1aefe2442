package sweep

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HubTimeLayout is the ISO-8601 layout used for hub timestamps on the wire
// and in the pending table, e.g. 2021-06-03T14:05:09+00:00.
const HubTimeLayout = "2006-01-02T15:04:05-07:00"

// fileTimeLayout is HubTimeLayout without the UTC offset; batch file names use it.
const fileTimeLayout = "2006-01-02T15:04:05"

var (
	// ErrNotReady is returned by IsComplete before the expected count is known
	ErrNotReady = errors.New("sweep metadata not received")

	// ErrAlreadySet is returned when the expected count is set twice
	ErrAlreadySet = errors.New("sweep frequency count already set")

	// ErrOverflow is returned when more points arrive than the metadata announced
	ErrOverflow = errors.New("sweep received more points than announced")

	// ErrExists is returned by Save when the batch file is already on disk
	ErrExists = errors.New("batch file already exists")
)

// Point is one measured frequency of a sweep
type Point struct {
	Frequency uint32 // Hz
	Real      int16  // Real part of the DFT result
	Imag      int16  // Imaginary part of the DFT result
}

// Metadata describes a sweep. The first three fields come from the device
// metadata frame, the rest is filled in by the hub.
type Metadata struct {
	FrequencyCount uint32 // Number of points in the sweep
	SensorTime     uint32 // Device clock, seconds
	Temperature    uint16 // Raw device temperature reading

	RSSI         int       // Signal strength at discovery, dBm (0 for wired links)
	DeviceName   string    // Advertised or configured device name
	MACAddress   string    // BLE address or port/serial identifier
	HubTimestamp time.Time // Hub clock when the sweep was captured
}

// HubTime returns the hub timestamp in HubTimeLayout, truncated to seconds and in UTC
func (m *Metadata) HubTime() string {
	return m.HubTimestamp.UTC().Truncate(time.Second).Format(HubTimeLayout)
}

// Filename returns the deterministic batch file name for this sweep
func (m *Metadata) Filename() string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(m.DeviceName)
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s-%s.csv", name, m.HubTimestamp.UTC().Truncate(time.Second).Format(fileTimeLayout))
}

// Batch is a completed sweep together with its metadata
type Batch struct {
	Metadata Metadata
	Points   []Point
}

// Assembler accumulates sweep points of a single session until the
// count announced by the metadata frame is reached.
type Assembler struct {
	expected uint32
	ready    bool
	points   []Point
}

// NewAssembler returns an assembler with no expected count
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Expect sets the number of points the sweep will contain.
// It can be called only once.
func (a *Assembler) Expect(count uint32) error {
	if a.ready {
		return fmt.Errorf("%w: have %d, got %d", ErrAlreadySet, a.expected, count)
	}
	a.expected = count
	a.ready = true
	// The count comes off the wire, so don't trust it for the allocation
	a.points = make([]Point, 0, min(count, 4096))
	return nil
}

// Expected returns the announced count and whether it is known
func (a *Assembler) Expected() (uint32, bool) {
	return a.expected, a.ready
}

// Append adds points in arrival order. Either all points are applied or none.
func (a *Assembler) Append(points []Point) error {
	if !a.ready {
		return ErrNotReady
	}
	if uint64(len(a.points))+uint64(len(points)) > uint64(a.expected) {
		return fmt.Errorf("%w: have %d of %d, got %d more", ErrOverflow, len(a.points), a.expected, len(points))
	}
	a.points = append(a.points, points...)
	return nil
}

// IsComplete reports whether all announced points have been received
func (a *Assembler) IsComplete() (bool, error) {
	if !a.ready {
		return false, ErrNotReady
	}
	return uint32(len(a.points)) == a.expected, nil
}

// Len returns the number of points received so far
func (a *Assembler) Len() int {
	return len(a.points)
}

// Points returns a copy of the received points
func (a *Assembler) Points() []Point {
	out := make([]Point, len(a.points))
	copy(out, a.points)
	return out
}
