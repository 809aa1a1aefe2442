package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goserial "go.bug.st/serial"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/link"
)

// pipePort implements the parts of goserial.Port the link uses
type pipePort struct {
	goserial.Port

	rx *io.PipeReader

	mutex sync.Mutex
	tx    bytes.Buffer
}

func (p *pipePort) Read(b []byte) (int, error) {
	return p.rx.Read(b)
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.tx.Write(b)
}

func (p *pipePort) Close() error {
	return p.rx.Close()
}

func newPipeLink(t *testing.T) (*serialLink, *pipePort, *io.PipeWriter) {
	t.Helper()
	r, w := io.Pipe()
	port := &pipePort{rx: r}
	l := newLink(port, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { l.Close() })
	return l, port, w
}

func TestSerialLinkFramesStream(t *testing.T) {
	l, _, w := newPipeLink(t)

	meta := codec.EncodeMetadata(codec.DeviceMetadata{FrequencyCount: 1, SensorTime: 16, Temperature: 20})
	data := []byte{0x01, 0xE8, 0x03, 0x00, 0x00, 0x64, 0x00, 0xC8, 0xFF}
	stream := append(append([]byte{}, meta...), data...)

	go func() {
		// Split the stream in the middle of a frame
		w.Write(stream[:7])
		w.Write(stream[7:15])
		w.Write(stream[15:])
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, expected := range [][]byte{meta, data} {
		frame, err := l.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() returned error: %v", err)
		}
		if !bytes.Equal(frame, expected) {
			t.Errorf("Receive() = % X, expected % X", frame, expected)
		}
	}
}

func TestSerialLinkSend(t *testing.T) {
	l, port, _ := newPipeLink(t)
	if err := l.Send(context.Background(), []byte("0")); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	port.mutex.Lock()
	defer port.mutex.Unlock()
	if port.tx.String() != "0" {
		t.Errorf("port received %q, expected \"0\"", port.tx.String())
	}
}

func TestSerialLinkClose(t *testing.T) {
	l, _, _ := newPipeLink(t)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if _, err := l.Receive(context.Background()); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Receive() after Close = %v, expected ErrClosed", err)
	}
	if err := l.Send(context.Background(), []byte("1")); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Send() after Close = %v, expected ErrClosed", err)
	}
	// Second close is a no-op
	l.Close()
}

func TestSerialLinkPeerGone(t *testing.T) {
	l, _, w := newPipeLink(t)
	w.CloseWithError(io.ErrClosedPipe)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.Receive(ctx); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Receive() = %v, expected the read error", err)
	}
}
