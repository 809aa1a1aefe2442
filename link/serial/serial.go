// Package serial implements the sensor link over a USB CDC serial port.
package serial

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/config"
	"github.com/Lazloian/EMI-Analyzer/link"
)

func init() {
	link.Register("serial", func(conf *config.Config, logger *slog.Logger) (link.Dialer, error) {
		return NewDialer(conf.Link.Serial, logger), nil
	})
}

// Dialer opens the configured serial port, or finds one by VID/PID
type Dialer struct {
	conf   config.Serial
	logger *slog.Logger
}

// NewDialer returns a serial dialer
func NewDialer(conf config.Serial, logger *slog.Logger) *Dialer {
	return &Dialer{conf: conf, logger: logger}
}

// Dial opens the port and starts reading frames from it
func (d *Dialer) Dial(ctx context.Context) (link.Link, link.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, link.DeviceInfo{}, err
	}

	details, err := d.findPort()
	if err != nil {
		return nil, link.DeviceInfo{}, err
	}

	mode := &goserial.Mode{
		BaudRate: d.conf.Baud,
	}
	port, err := goserial.Open(details.Name, mode)
	if err != nil {
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to open serial port %s: %w", details.Name, err)
	}
	// Drop anything the sensor sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to reset input buffer of %s: %w", details.Name, err)
	}

	name := d.conf.DeviceName
	if name == "" {
		name = details.Product
	}
	info := link.DeviceInfo{
		Name:    name,
		Address: details.Name,
	}
	if details.SerialNumber != "" {
		info.Address = details.Name + "/" + details.SerialNumber
	}
	d.logger.Debug("opened serial port", slog.String("port", details.Name), slog.Int("baud", d.conf.Baud))

	return newLink(port, d.logger), info, nil
}

// findPort returns the configured port, else the first port matching
// the configured VID/PID, else the first USB port.
func (d *Dialer) findPort() (*enumerator.PortDetails, error) {
	if d.conf.Port != "" {
		return &enumerator.PortDetails{Name: d.conf.Port}, nil
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	for _, port := range ports {
		portVID, err := strconv.ParseUint(port.VID, 16, 16)
		if err != nil {
			continue
		}
		portPID, err := strconv.ParseUint(port.PID, 16, 16)
		if err != nil {
			continue
		}
		if uint16(portVID) == d.conf.VendorID && uint16(portPID) == d.conf.ProductID {
			return port, nil
		}
	}

	for _, port := range ports {
		if port.IsUSB {
			return port, nil
		}
	}
	return nil, fmt.Errorf("%w: no USB serial port (VID=0x%04X PID=0x%04X)", link.ErrNoDevice, d.conf.VendorID, d.conf.ProductID)
}

// Ports lists the serial ports of this machine
func Ports() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// serialLink frames the port's byte stream with codec.Reader
type serialLink struct {
	port      goserial.Port
	inbox     *link.Inbox
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newLink(port goserial.Port, logger *slog.Logger) *serialLink {
	l := &serialLink{
		port:  port,
		inbox: link.NewInbox(16),
	}
	go l.readLoop(logger)
	return l
}

func (l *serialLink) readLoop(logger *slog.Logger) {
	r := codec.NewReader(l.port)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			logger.Debug("serial read stopped", slog.Any("error", err))
			l.inbox.Fail(fmt.Errorf("failed to read from serial port: %w", err))
			return
		}
		if !l.inbox.Put(frame) {
			return
		}
	}
}

func (l *serialLink) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.inbox.Err(); err != nil {
		return err
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	if _, err := l.port.Write(data); err != nil {
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	return nil
}

func (l *serialLink) Receive(ctx context.Context) ([]byte, error) {
	return l.inbox.Receive(ctx)
}

// Close closes the port, which also ends the read loop
func (l *serialLink) Close() error {
	l.closeOnce.Do(func() {
		l.inbox.Fail(link.ErrClosed)
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}
