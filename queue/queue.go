// Package queue keeps the batches that are waiting for delivery to the collector.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"

	"github.com/Lazloian/EMI-Analyzer/sweep"
)

// ErrDuplicateRecord is returned by Enqueue when a record with the same key is pending
var ErrDuplicateRecord = errors.New("record already pending")

// Key identifies a batch: one device never produces two sweeps in the same second
type Key struct {
	DeviceName string
	HubTime    string
}

func (k Key) String() string {
	return k.DeviceName + "@" + k.HubTime
}

// Record is a pending delivery
type Record struct {
	DeviceName  string
	HubTime     string // sweep.HubTimeLayout
	RSSI        int
	Temperature uint16
	SensorTime  uint32
	MACAddress  string
	Filename    string // Batch file name, relative to the sweep directory
}

// Key returns the identity of the record
func (r Record) Key() Key {
	return Key{DeviceName: r.DeviceName, HubTime: r.HubTime}
}

// NewRecord builds the record for a batch stored under filename
func NewRecord(meta *sweep.Metadata, filename string) Record {
	return Record{
		DeviceName:  meta.DeviceName,
		HubTime:     meta.HubTime(),
		RSSI:        meta.RSSI,
		Temperature: meta.Temperature,
		SensorTime:  meta.SensorTime,
		MACAddress:  meta.MACAddress,
		Filename:    filename,
	}
}

// Queue is a durable set of pending records in insertion order
type Queue interface {
	// Enqueue appends r, or fails with ErrDuplicateRecord
	Enqueue(ctx context.Context, r Record) error

	// Pending yields the records oldest first. The sequence is read lazily
	// and may be iterated again; records acknowledged while iterating may
	// or may not be yielded.
	Pending(ctx context.Context) iter.Seq2[Record, error]

	// Acknowledge removes the record with key k. Removing an absent key is not an error.
	Acknowledge(ctx context.Context, k Key) error

	// Contains reports whether a record with key k is pending
	Contains(ctx context.Context, k Key) (bool, error)

	// Len returns the number of pending records
	Len(ctx context.Context) (int, error)

	Close() error
}

// Option configures a queue backend
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the queue
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open opens the backend ("csv" or "sqlite") in dir
func Open(backend, dir string, opts ...Option) (Queue, error) {
	switch backend {
	case "", "csv":
		return OpenCSV(filepath.Join(dir, CSVTableName), opts...)
	case "sqlite":
		return OpenSQLite(filepath.Join(dir, SQLiteTableName), opts...)
	}
	return nil, fmt.Errorf("unknown queue backend %q", backend)
}
