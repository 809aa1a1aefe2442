package link

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Receive and Send after the link was closed
	ErrClosed = errors.New("link closed")

	// ErrNoDevice is returned by a Dialer when no matching device was found
	ErrNoDevice = errors.New("no device found")
)

// Link is a duplex frame channel to one device
type Link interface {
	// Send writes one command to the device
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next inbound frame arrives, the link fails
	// or ctx is done. In the last case ctx.Err() is returned.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// DeviceInfo describes the device a Dialer connected to
type DeviceInfo struct {
	Name    string // Advertised or configured name
	Address string // BLE address, serial port or USB bus/address
	RSSI    int    // dBm, 0 for wired links
}

// Dialer finds a device and opens a link to it
type Dialer interface {
	Dial(ctx context.Context) (Link, DeviceInfo, error)
}

// Inbox buffers inbound frames produced by a link's reader goroutine or
// notification callback until the session receives them.
type Inbox struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewInbox returns an inbox holding up to size undelivered frames
func NewInbox(size int) *Inbox {
	return &Inbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// Put queues a frame. It blocks while the inbox is full and returns false
// once the inbox has failed.
func (in *Inbox) Put(frame []byte) bool {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.frames <- buf:
		return true
	case <-in.done:
		return false
	}
}

// Fail terminates the inbox with err. Frames already queued can still be
// received; afterwards Receive returns err. Only the first call has effect.
func (in *Inbox) Fail(err error) {
	in.once.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		in.err = err
		close(in.done)
	})
}

// Done is closed when the inbox fails
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

// Err returns the failure reason, or nil while the inbox is open
func (in *Inbox) Err() error {
	select {
	case <-in.done:
		return in.err
	default:
		return nil
	}
}

// Receive returns the next frame in arrival order
func (in *Inbox) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-in.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-in.frames:
		return frame, nil
	case <-in.done:
		// Drain what arrived before the failure
		select {
		case frame := <-in.frames:
			return frame, nil
		default:
		}
		return nil, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
