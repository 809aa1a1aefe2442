// Package ble implements the sensor link over the Nordic UART Service.
//
// The sensor advertises a name starting with the configured prefix. Commands
// are written to the RX characteristic without response; every notification
// on the TX characteristic carries exactly one frame.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/Lazloian/EMI-Analyzer/config"
	"github.com/Lazloian/EMI-Analyzer/link"
)

func init() {
	link.Register("ble", func(conf *config.Config, logger *slog.Logger) (link.Dialer, error) {
		return NewDialer(bluetooth.DefaultAdapter, conf.Link.NamePrefix, conf.Hub.ScanDuration.Duration, logger), nil
	})
}

// Dialer scans for a sensor and connects to the first one found
type Dialer struct {
	adapter      *bluetooth.Adapter
	namePrefix   string
	scanDuration time.Duration
	logger       *slog.Logger

	enableOnce sync.Once
	enableErr  error

	// Open links by peer address, failed when the peer disconnects
	mutex sync.Mutex
	links map[string]*bleLink
}

// NewDialer returns a BLE dialer using adapter
func NewDialer(adapter *bluetooth.Adapter, namePrefix string, scanDuration time.Duration, logger *slog.Logger) *Dialer {
	return &Dialer{
		adapter:      adapter,
		namePrefix:   namePrefix,
		scanDuration: scanDuration,
		logger:       logger,
		links:        make(map[string]*bleLink),
	}
}

// Dial scans for up to the scan duration, then connects and subscribes to
// the UART TX characteristic. It returns link.ErrNoDevice when no sensor
// was advertising.
func (d *Dialer) Dial(ctx context.Context) (link.Link, link.DeviceInfo, error) {
	d.enableOnce.Do(func() {
		d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			d.peerChanged(device.Address.String(), connected)
		})
		d.enableErr = d.adapter.Enable()
	})
	if d.enableErr != nil {
		return nil, link.DeviceInfo{}, fmt.Errorf("failed to enable BLE adapter: %w", d.enableErr)
	}

	result, found, err := d.scan(ctx)
	if err != nil {
		return nil, link.DeviceInfo{}, err
	}
	if !found {
		return nil, link.DeviceInfo{}, fmt.Errorf("%w: no device named %s* within %v", link.ErrNoDevice, d.namePrefix, d.scanDuration)
	}

	info := link.DeviceInfo{
		Name:    result.LocalName(),
		Address: result.Address.String(),
		RSSI:    int(result.RSSI),
	}
	d.logger.Info("trying to connect", slog.String("device", info.Name), slog.String("address", info.Address), slog.Int("rssi", info.RSSI))

	l, err := d.connect(ctx, result.Address, d.logger.With(slog.String("device", info.Name)))
	if err != nil {
		return nil, info, fmt.Errorf("cannot connect to %s (%s): %w", info.Name, info.Address, err)
	}
	return l, info, nil
}

// scan stops at the first advertisement whose name matches, when the scan
// duration expires or when ctx is done.
func (d *Dialer) scan(ctx context.Context) (bluetooth.ScanResult, bool, error) {
	var (
		mutex  sync.Mutex
		result bluetooth.ScanResult
		found  bool
	)

	stop := time.AfterFunc(d.scanDuration, func() { d.adapter.StopScan() })
	defer stop.Stop()
	unwatch := context.AfterFunc(ctx, func() { d.adapter.StopScan() })
	defer unwatch()

	err := d.adapter.Scan(func(adapter *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !matchName(r.LocalName(), d.namePrefix) {
			return
		}
		mutex.Lock()
		defer mutex.Unlock()
		if found {
			return
		}
		result, found = r, true
		adapter.StopScan()
	})
	if err != nil {
		return result, false, fmt.Errorf("BLE scan failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return result, false, err
	}

	mutex.Lock()
	defer mutex.Unlock()
	return result, found, nil
}

// peerChanged fails the link to address when the peer goes away, so a
// waiting Receive returns at once instead of running into the deadline.
func (d *Dialer) peerChanged(address string, connected bool) {
	if connected {
		return
	}
	d.mutex.Lock()
	l := d.links[address]
	delete(d.links, address)
	d.mutex.Unlock()

	if l != nil {
		d.logger.Warn("peer disconnected", slog.String("address", address))
		l.inbox.Fail(fmt.Errorf("%w: peer disconnected", link.ErrClosed))
	}
}

func (d *Dialer) track(address string, l *bleLink) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.links[address] = l
}

func (d *Dialer) untrack(address string, l *bleLink) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.links[address] == l {
		delete(d.links, address)
	}
}

// matchName reports whether an advertised name belongs to a sensor
func matchName(name, prefix string) bool {
	return name != "" && strings.HasPrefix(name, prefix)
}

type connectResult struct {
	link *bleLink
	err  error
}

// connect runs the blocking connect and service discovery in the background
// so that ctx can abandon it.
func (d *Dialer) connect(ctx context.Context, address bluetooth.Address, logger *slog.Logger) (*bleLink, error) {
	done := make(chan connectResult, 1)
	go func() {
		l, err := d.open(address, logger)
		done <- connectResult{l, err}
	}()

	select {
	case r := <-done:
		return r.link, r.err
	case <-ctx.Done():
		// Tear down the connection if it completes after we gave up
		go func() {
			if r := <-done; r.link != nil {
				r.link.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *Dialer) open(address bluetooth.Address, logger *slog.Logger) (*bleLink, error) {
	device, err := d.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	disconnect := device.Disconnect

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil {
		disconnect()
		return nil, fmt.Errorf("failed to discover UART service: %w", err)
	}
	if len(services) == 0 {
		disconnect()
		return nil, errors.New("UART service not found")
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.CharacteristicUUIDUARTRX,
		bluetooth.CharacteristicUUIDUARTTX,
	})
	if err != nil {
		disconnect()
		return nil, fmt.Errorf("failed to discover UART characteristics: %w", err)
	}
	if len(chars) != 2 {
		disconnect()
		return nil, fmt.Errorf("found %d of 2 UART characteristics", len(chars))
	}

	var rx, tx bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case bluetooth.CharacteristicUUIDUARTRX:
			rx = c
		case bluetooth.CharacteristicUUIDUARTTX:
			tx = c
		}
	}

	key := address.String()
	var l *bleLink
	l = newLink(func(data []byte) error {
		_, err := rx.WriteWithoutResponse(data)
		return err
	}, func() error {
		d.untrack(key, l)
		return disconnect()
	})
	d.track(key, l)
	if err := tx.EnableNotifications(l.notify); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to enable notifications: %w", err)
	}
	logger.Info("connected")
	return l, nil
}

// bleLink delivers notifications through an inbox
type bleLink struct {
	write      func([]byte) error
	disconnect func() error
	inbox      *link.Inbox

	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newLink(write func([]byte) error, disconnect func() error) *bleLink {
	return &bleLink{
		write:      write,
		disconnect: disconnect,
		inbox:      link.NewInbox(32),
	}
}

// notify is the TX characteristic callback
func (l *bleLink) notify(value []byte) {
	l.inbox.Put(value)
}

func (l *bleLink) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.inbox.Err(); err != nil {
		return err
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	if err := l.write(data); err != nil {
		return fmt.Errorf("failed to write UART RX characteristic: %w", err)
	}
	return nil
}

func (l *bleLink) Receive(ctx context.Context) ([]byte, error) {
	return l.inbox.Receive(ctx)
}

func (l *bleLink) Close() error {
	l.closeOnce.Do(func() {
		l.inbox.Fail(link.ErrClosed)
		l.closeErr = l.disconnect()
	})
	return l.closeErr
}
