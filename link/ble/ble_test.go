package ble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Lazloian/EMI-Analyzer/link"
)

func TestMatchName(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		expected bool
	}{
		{"EMI-01", "EMI", true},
		{"EMI", "EMI", true},
		{"emi-01", "EMI", false},
		{"Headphones", "EMI", false},
		{"", "EMI", false},
		{"", "", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		if got := matchName(tt.name, tt.prefix); got != tt.expected {
			t.Errorf("matchName(%q, %q) = %v, expected %v", tt.name, tt.prefix, got, tt.expected)
		}
	}
}

func TestLinkNotifications(t *testing.T) {
	var written [][]byte
	disconnected := 0
	l := newLink(func(data []byte) error {
		written = append(written, append([]byte{}, data...))
		return nil
	}, func() error {
		disconnected++
		return nil
	})

	if err := l.Send(context.Background(), []byte("0")); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if len(written) != 1 || string(written[0]) != "0" {
		t.Errorf("written = %q, expected [\"0\"]", written)
	}

	// The stack reuses its notification buffer
	buf := []byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x14, 0x00}
	l.notify(buf)
	buf[1] = 0xFF

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := l.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() returned error: %v", err)
	}
	if frame[1] != 0x05 {
		t.Errorf("Receive() returned a frame aliasing the notification buffer")
	}

	l.Close()
	l.Close()
	if disconnected != 1 {
		t.Errorf("disconnect called %d times, expected 1", disconnected)
	}
	if err := l.Send(context.Background(), []byte("1")); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Send() after Close = %v, expected ErrClosed", err)
	}
}

func TestLinkWriteError(t *testing.T) {
	failure := errors.New("not connected")
	l := newLink(func([]byte) error { return failure }, func() error { return nil })
	if err := l.Send(context.Background(), []byte("1")); !errors.Is(err, failure) {
		t.Errorf("Send() = %v, expected %v", err, failure)
	}
}

func TestPeerDisconnectFailsLink(t *testing.T) {
	d := NewDialer(nil, "EMI", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l := newLink(func([]byte) error { return nil }, func() error { return nil })
	other := newLink(func([]byte) error { return nil }, func() error { return nil })
	d.track("C4:4F:33:12:34:56", l)
	d.track("C4:4F:33:65:43:21", other)

	d.peerChanged("C4:4F:33:12:34:56", true)
	if err := l.inbox.Err(); err != nil {
		t.Fatalf("link failed on a connect event: %v", err)
	}

	d.peerChanged("C4:4F:33:12:34:56", false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.Receive(ctx); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Receive() after disconnect = %v, expected ErrClosed", err)
	}
	if err := l.Send(context.Background(), []byte("1")); !errors.Is(err, link.ErrClosed) {
		t.Errorf("Send() after disconnect = %v, expected ErrClosed", err)
	}
	if err := other.inbox.Err(); err != nil {
		t.Errorf("disconnect of one peer failed another link: %v", err)
	}
}

func TestCloseUntracksLink(t *testing.T) {
	d := NewDialer(nil, "EMI", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var l *bleLink
	l = newLink(func([]byte) error { return nil }, func() error {
		d.untrack("C4:4F:33:12:34:56", l)
		return nil
	})
	d.track("C4:4F:33:12:34:56", l)

	l.Close()
	if len(d.links) != 0 {
		t.Errorf("Dialer still tracks %d links after Close", len(d.links))
	}
}
