// Package linktest provides in-memory links and a scripted sensor for tests.
package linktest

import (
	"context"
	"sync"

	"github.com/Lazloian/EMI-Analyzer/link"
)

// Link implements link.Link in memory. Frames injected with InjectRx are
// received in order; every Send is recorded and passed to Respond.
type Link struct {
	mutex   sync.Mutex
	inbox   *link.Inbox
	txLog   [][]byte
	sendErr error
	closed  bool

	// Respond, when set, returns the frames the device answers a command with
	Respond func(cmd []byte) [][]byte
}

// New returns an open link with an empty inbox
func New() *Link {
	return &Link{inbox: link.NewInbox(64)}
}

func (l *Link) Send(ctx context.Context, data []byte) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return link.ErrClosed
	}
	if l.sendErr != nil {
		err := l.sendErr
		l.mutex.Unlock()
		return err
	}
	// Make a copy to avoid data races
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	l.txLog = append(l.txLog, dataCopy)
	respond := l.Respond
	l.mutex.Unlock()

	if respond != nil {
		for _, frame := range respond(dataCopy) {
			l.inbox.Put(frame)
		}
	}
	return nil
}

func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	return l.inbox.Receive(ctx)
}

func (l *Link) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed = true
	l.inbox.Fail(link.ErrClosed)
	return nil
}

// Test helper methods

// InjectRx queues a frame as if the device had sent it
func (l *Link) InjectRx(frame []byte) {
	l.inbox.Put(frame)
}

// Drop simulates the device going away: Receive fails with err
func (l *Link) Drop(err error) {
	l.inbox.Fail(err)
}

// SetSendError makes every later Send fail with err
func (l *Link) SetSendError(err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sendErr = err
}

// GetTxLog returns a copy of every command sent so far
func (l *Link) GetTxLog() [][]byte {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	// Return a copy to avoid data races
	result := make([][]byte, len(l.txLog))
	for i, data := range l.txLog {
		result[i] = make([]byte, len(data))
		copy(result[i], data)
	}
	return result
}

// Closed reports whether Close was called
func (l *Link) Closed() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.closed
}

// Dialer hands out prepared links in order, then reports link.ErrNoDevice
type Dialer struct {
	mutex sync.Mutex
	Links []*Link
	Info  link.DeviceInfo
	Err   error // returned instead of a link when set
	dials int
}

func (d *Dialer) Dial(ctx context.Context) (link.Link, link.DeviceInfo, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.dials++
	if d.Err != nil {
		return nil, link.DeviceInfo{}, d.Err
	}
	if len(d.Links) == 0 {
		return nil, link.DeviceInfo{}, link.ErrNoDevice
	}
	l := d.Links[0]
	d.Links = d.Links[1:]
	return l, d.Info, nil
}

// Dials returns how many times Dial was called
func (d *Dialer) Dials() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.dials
}
