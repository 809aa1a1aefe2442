// Package usb implements the sensor link over raw USB bulk endpoints.
package usb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/config"
	"github.com/Lazloian/EMI-Analyzer/link"
)

func init() {
	link.Register("usb", func(conf *config.Config, logger *slog.Logger) (link.Dialer, error) {
		return NewDialer(conf.Link.USB, logger), nil
	})
}

// Dialer opens the first USB device with the configured VID/PID
type Dialer struct {
	conf   config.USB
	logger *slog.Logger
}

// NewDialer returns a USB dialer
func NewDialer(conf config.USB, logger *slog.Logger) *Dialer {
	return &Dialer{conf: conf, logger: logger}
}

// Dial claims the interface and starts reading the bulk IN endpoint
func (d *Dialer) Dial(ctx context.Context) (link.Link, link.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, link.DeviceInfo{}, err
	}

	usbCtx := gousb.NewContext()

	// Compare as uint16 since DeviceDesc.Vendor/Product need uint16 comparison
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == d.conf.VendorID && uint16(desc.Product) == d.conf.ProductID
	})
	if err != nil {
		for _, dev := range devs {
			dev.Close()
		}
		usbCtx.Close()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		usbCtx.Close()
		return nil, link.DeviceInfo{}, fmt.Errorf("%w: VID=0x%04X PID=0x%04X", link.ErrNoDevice, d.conf.VendorID, d.conf.ProductID)
	}

	// Use the first matching device
	dev := devs[0]
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}
	if err := dev.SetAutoDetach(true); err != nil {
		d.logger.Debug("kernel driver auto-detach not available", slog.Any("error", err))
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to get config 1: %w", err)
	}
	intf, err := cfg.Interface(d.conf.Interface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		usbCtx.Close()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to claim interface %d: %w", d.conf.Interface, err)
	}

	// release closes everything opened so far, inner first
	release := func() {
		intf.Close()
		cfg.Close()
		dev.Close()
		usbCtx.Close()
	}

	bulkOut, err := intf.OutEndpoint(d.conf.EndpointOut)
	if err != nil {
		release()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to open bulk out endpoint 0x%02x: %w", d.conf.EndpointOut, err)
	}
	bulkIn, err := intf.InEndpoint(d.conf.EndpointIn)
	if err != nil {
		release()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to open bulk in endpoint 0x%02x: %w", d.conf.EndpointIn, err)
	}

	name := d.conf.DeviceName
	if name == "" {
		if product, err := dev.Product(); err == nil {
			name = product
		}
	}
	info := link.DeviceInfo{
		Name:    name,
		Address: fmt.Sprintf("usb:%d.%d", dev.Desc.Bus, dev.Desc.Address),
	}
	if serial, err := dev.SerialNumber(); err == nil && serial != "" {
		info.Address += "/" + serial
	}
	d.logger.Debug("claimed USB interface", slog.String("device", info.Address), slog.Int("interface", d.conf.Interface))

	return newLink(bulkOut, bulkIn, release, d.logger), info, nil
}

// bulkReader adapts an IN endpoint to io.Reader
type bulkReader struct {
	ctx context.Context
	in  interface {
		ReadContext(ctx context.Context, buf []byte) (int, error)
	}
}

func (r *bulkReader) Read(p []byte) (int, error) {
	for {
		n, err := r.in.ReadContext(r.ctx, p)
		if err != nil || n > 0 {
			return n, err
		}
		// Zero-length packet, read again
	}
}

type writer interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type usbLink struct {
	out     writer
	inbox   *link.Inbox
	release func()
	stop    context.CancelFunc
	stopped chan struct{}

	writeLock sync.Mutex
	closeOnce sync.Once
}

func newLink(out writer, in *gousb.InEndpoint, release func(), logger *slog.Logger) *usbLink {
	return startLink(out, &bulkReader{in: in}, release, logger)
}

func startLink(out writer, r *bulkReader, release func(), logger *slog.Logger) *usbLink {
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx = ctx
	l := &usbLink{
		out:     out,
		inbox:   link.NewInbox(16),
		release: release,
		stop:    cancel,
		stopped: make(chan struct{}),
	}
	go l.readLoop(codec.NewReader(r), logger)
	return l
}

func (l *usbLink) readLoop(r *codec.Reader, logger *slog.Logger) {
	defer close(l.stopped)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			logger.Debug("bulk read stopped", slog.Any("error", err))
			l.inbox.Fail(fmt.Errorf("failed to read bulk endpoint: %w", err))
			return
		}
		if !l.inbox.Put(frame) {
			return
		}
	}
}

func (l *usbLink) Send(ctx context.Context, data []byte) error {
	if err := l.inbox.Err(); err != nil {
		return err
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	if _, err := l.out.WriteContext(ctx, data); err != nil {
		return fmt.Errorf("failed to write bulk endpoint: %w", err)
	}
	return nil
}

func (l *usbLink) Receive(ctx context.Context) ([]byte, error) {
	return l.inbox.Receive(ctx)
}

// Close stops the read loop and then releases the device
func (l *usbLink) Close() error {
	l.closeOnce.Do(func() {
		l.inbox.Fail(link.ErrClosed)
		l.stop()
		<-l.stopped
		if l.release != nil {
			l.release()
		}
	})
	return nil
}
