// Package delivery uploads completed batches and retries the ones that
// could not be delivered earlier.
//
// A batch that fails to upload is recorded in the queue. After any later
// successful upload the queue is swept once, oldest first, until the first
// failure. A record leaves the queue only after the collector acknowledged it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/queue"
	"github.com/Lazloian/EMI-Analyzer/upload"
)

// ErrResyncInProgress is returned by Resync while another sweep is running
var ErrResyncInProgress = errors.New("resync already in progress")

// Uploader delivers one batch; nil means the collector acknowledged it
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) error
}

// Outcome of Deliver
type Outcome int

const (
	// Delivered means the collector acknowledged the batch
	Delivered Outcome = iota
	// Queued means the batch is pending and will be retried
	Queued
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "queued"
}

// Deliverer applies the delivery policy for batches stored in one directory
type Deliverer struct {
	queue    queue.Queue
	uploader Uploader
	dir      string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	resyncing atomic.Bool
}

// Option configures a Deliverer
type Option func(*Deliverer)

// WithLogger sets the logger for the deliverer
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		d.logger = logger
	}
}

// WithMetrics records upload counters and the queue length in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deliverer) {
		d.metrics = m
	}
}

// New returns a deliverer. Relative batch file names are resolved against dir.
func New(q queue.Queue, uploader Uploader, dir string, options ...Option) *Deliverer {
	d := &Deliverer{
		queue:    q,
		uploader: uploader,
		dir:      dir,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

func (d *Deliverer) path(r queue.Record) string {
	if filepath.IsAbs(r.Filename) {
		return r.Filename
	}
	return filepath.Join(d.dir, r.Filename)
}

func (d *Deliverer) upload(ctx context.Context, r queue.Record) error {
	err := d.uploader.Upload(ctx, upload.Request{Record: r, Path: d.path(r)})
	d.metrics.Upload(err == nil)
	return err
}

// Deliver uploads r. On success any record with the same key is removed
// from the queue and one resync sweep follows. On failure r is queued,
// unless it already is. Upload failures are not returned; only a queue
// that cannot record the batch is an error.
func (d *Deliverer) Deliver(ctx context.Context, r queue.Record) (Outcome, error) {
	logger := d.logger.With(slog.String("device", r.DeviceName), slog.String("hub_time", r.HubTime))

	if err := d.upload(ctx, r); err != nil {
		logger.Warn("upload failed, saved locally, will retry", slog.Any("error", err))
		return Queued, d.enqueue(ctx, r, logger)
	}
	logger.Info("uploaded batch", slog.String("file", r.Filename))

	if err := d.queue.Acknowledge(ctx, r.Key()); err != nil {
		logger.Error("failed to remove delivered batch from queue", slog.Any("error", err))
	}

	n, err := d.Resync(ctx)
	switch {
	case errors.Is(err, ErrResyncInProgress):
		logger.Debug("resync skipped, another sweep is running")
	case err != nil:
		logger.Error("resync failed", slog.Int("delivered", n), slog.Any("error", err))
	case n > 0:
		logger.Info("delivered pending batches", slog.Int("count", n))
	}
	return Delivered, nil
}

func (d *Deliverer) enqueue(ctx context.Context, r queue.Record, logger *slog.Logger) error {
	defer d.updatePending(ctx)

	found, err := d.queue.Contains(ctx, r.Key())
	if err != nil {
		return fmt.Errorf("failed to look up %v in queue: %w", r.Key(), err)
	}
	if found {
		logger.Debug("batch already pending")
		return nil
	}

	err = d.queue.Enqueue(ctx, r)
	if errors.Is(err, queue.ErrDuplicateRecord) {
		// Contains said no a moment ago
		logger.Error("batch queued twice", slog.Any("error", err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to queue %v: %w", r.Key(), err)
	}
	return nil
}

// Resync walks the queue once, oldest first, and stops at the first upload
// failure. It returns how many batches were delivered. Only one sweep runs
// at a time; a concurrent call returns ErrResyncInProgress.
func (d *Deliverer) Resync(ctx context.Context) (int, error) {
	if !d.resyncing.CompareAndSwap(false, true) {
		return 0, ErrResyncInProgress
	}
	defer d.resyncing.Store(false)
	defer d.updatePending(ctx)

	delivered := 0
	for r, err := range d.queue.Pending(ctx) {
		if err != nil {
			return delivered, fmt.Errorf("failed to read queue: %w", err)
		}

		logger := d.logger.With(slog.String("device", r.DeviceName), slog.String("hub_time", r.HubTime))
		if err := d.upload(ctx, r); err != nil {
			logger.Warn("pending batch still not delivered", slog.Any("error", err))
			return delivered, nil
		}
		if err := d.queue.Acknowledge(ctx, r.Key()); err != nil {
			return delivered, fmt.Errorf("failed to remove %v from queue: %w", r.Key(), err)
		}
		logger.Info("uploaded pending batch", slog.String("file", r.Filename))
		d.metrics.Resynced()
		delivered++
	}
	return delivered, nil
}

func (d *Deliverer) updatePending(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if n, err := d.queue.Len(ctx); err == nil {
		d.metrics.SetPending(n)
	}
}
