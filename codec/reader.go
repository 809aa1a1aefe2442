package codec

import (
	"bufio"
	"fmt"
	"io"
)

// Reader splits a byte stream into frames using the kind byte to determine
// each frame's length. Serial and USB links have no message boundaries of
// their own and use it; BLE notifications are already one frame each.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a frame reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one whole frame has been read. A stream that ends in
// the middle of a frame yields io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() ([]byte, error) {
	kind, err := fr.r.ReadByte()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, FrameSize(kind))
	frame[0] = kind
	if _, err := io.ReadFull(fr.r, frame[1:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame of kind %d: %w", kind, err)
	}
	return frame, nil
}
