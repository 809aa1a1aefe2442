// Package hub runs the collection loop: find a sensor, transfer one sweep,
// save it next to the pending table and hand it to the deliverer.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Lazloian/EMI-Analyzer/codec"
	"github.com/Lazloian/EMI-Analyzer/delivery"
	"github.com/Lazloian/EMI-Analyzer/link"
	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/queue"
	"github.com/Lazloian/EMI-Analyzer/sweep"
	"github.com/Lazloian/EMI-Analyzer/transfer"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTransferTimeout = 30 * time.Second
	DefaultSleepDuration   = 10 * time.Second
)

// Deliverer accepts a saved batch
type Deliverer interface {
	Deliver(ctx context.Context, r queue.Record) (delivery.Outcome, error)
}

// Capture is the result of one collection cycle
type Capture struct {
	Device  link.DeviceInfo
	Batch   *sweep.Batch
	Path    string // Saved batch file, empty for an empty sweep
	Outcome delivery.Outcome
}

// Hub owns the dialer and runs one session at a time
type Hub struct {
	dialer    link.Dialer
	deliverer Deliverer
	dir       string

	connectTimeout  time.Duration
	transferTimeout time.Duration
	sleepDuration   time.Duration
	sessionOptions  []transfer.Option

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger for the hub and its sessions
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics records session results in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithTimeouts bounds the dial and the transfer
func WithTimeouts(connect, transfer time.Duration) Option {
	return func(h *Hub) {
		h.connectTimeout = connect
		h.transferTimeout = transfer
	}
}

// WithSleepDuration sets how long Run waits after a scan finds nothing
func WithSleepDuration(d time.Duration) Option {
	return func(h *Hub) {
		h.sleepDuration = d
	}
}

// WithSessionOptions passes options to every transfer session
func WithSessionOptions(options ...transfer.Option) Option {
	return func(h *Hub) {
		h.sessionOptions = append(h.sessionOptions, options...)
	}
}

// WithClock replaces the clock used to stamp sweeps
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// New returns a hub that saves batches under dir
func New(dialer link.Dialer, deliverer Deliverer, dir string, options ...Option) *Hub {
	h := &Hub{
		dialer:          dialer,
		deliverer:       deliverer,
		dir:             dir,
		connectTimeout:  DefaultConnectTimeout,
		transferTimeout: DefaultTransferTimeout,
		sleepDuration:   DefaultSleepDuration,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// RunOnce performs a single cycle. It returns link.ErrNoDevice when no
// sensor was found, and the session error when the transfer failed; a
// failed transfer is discarded, never queued.
func (h *Hub) RunOnce(ctx context.Context) (*Capture, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	l, info, err := h.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: connect: %w", transfer.ErrTimeout, err)
		}
		return nil, err
	}

	logger := h.logger.With(slog.String("device", info.Name), slog.String("address", info.Address))
	logger.Info("connected", slog.Int("rssi", info.RSSI))

	batch, err := h.transfer(ctx, l, logger)
	if closeErr := l.Close(); closeErr != nil {
		logger.Debug("failed to close link", slog.Any("error", closeErr))
	}
	if err != nil {
		h.metrics.SessionFinished(sessionResult(err))
		return nil, err
	}

	batch.Metadata.RSSI = info.RSSI
	batch.Metadata.DeviceName = info.Name
	batch.Metadata.MACAddress = info.Address
	batch.Metadata.HubTimestamp = h.now()

	capture := &Capture{Device: info, Batch: batch}
	if len(batch.Points) == 0 {
		h.metrics.SessionFinished("empty")
		logger.Warn("sensor reported an empty sweep, nothing to save")
		return capture, nil
	}
	h.metrics.SessionFinished("complete")

	path, err := sweep.Save(h.dir, batch)
	if errors.Is(err, sweep.ErrExists) {
		// Same device and second as a saved batch, which may still be pending
		logger.Error("batch file already exists, sweep discarded", slog.Any("error", err))
		return capture, err
	}
	if err != nil {
		return capture, err
	}
	capture.Path = path
	logger.Info("saved sweep",
		slog.String("file", filepath.Base(path)),
		slog.Int("points", len(batch.Points)),
		slog.Uint64("temperature", uint64(batch.Metadata.Temperature)))

	record := queue.NewRecord(&batch.Metadata, filepath.Base(path))
	capture.Outcome, err = h.deliverer.Deliver(ctx, record)
	if err != nil {
		return capture, fmt.Errorf("failed to deliver %s: %w", filepath.Base(path), err)
	}
	return capture, nil
}

func (h *Hub) transfer(ctx context.Context, l link.Link, logger *slog.Logger) (*sweep.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, h.transferTimeout)
	defer cancel()

	options := append([]transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithMetrics(h.metrics),
	}, h.sessionOptions...)
	session := transfer.NewSession(l, options...)

	batch, err := session.Run(ctx)
	if err != nil {
		logger.Warn("transfer failed",
			slog.String("state", session.State().String()),
			slog.Int("points", session.Received()),
			slog.Any("error", err))
		return nil, err
	}
	return batch, nil
}

// Run repeats RunOnce until ctx is done. A cycle that finds no sensor or
// fails is followed by a sleep; after a delivered sweep it scans again.
func (h *Hub) Run(ctx context.Context) error {
	for {
		_, err := h.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, link.ErrNoDevice):
			h.logger.Debug("no sensor found, sleeping", slog.Duration("sleep", h.sleepDuration))
			if err := h.sleep(ctx); err != nil {
				return err
			}
		case err != nil:
			h.logger.Error("collection cycle failed", slog.Any("error", err))
			if err := h.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) sleep(ctx context.Context) error {
	timer := time.NewTimer(h.sleepDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionResult is the metrics label for a failed session
func sessionResult(err error) string {
	switch {
	case errors.Is(err, transfer.ErrTimeout):
		return "timeout"
	case errors.Is(err, transfer.ErrLinkError):
		return "link_error"
	case errors.Is(err, transfer.ErrUnexpectedFrame):
		return "unexpected_frame"
	case errors.Is(err, codec.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, sweep.ErrOverflow):
		return "overflow"
	}
	return "error"
}
