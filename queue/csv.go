package queue

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/Lazloian/EMI-Analyzer/atomicfile"
)

// CSVTableName is the file name of the pending table in the sweep directory
const CSVTableName = "meta.csv"

var csvHeader = []string{"device_name", "hub_time", "rssi", "temperature", "sensor_time", "mac_address", "filename"}

// CSVQueue keeps the pending table as a CSV file. Every mutation rewrites
// the whole table through atomicfile, so a crash leaves either the old or
// the new table on disk. Access is serialized between goroutines by mutex
// and between processes by an advisory lock on path+".lock".
type CSVQueue struct {
	path   string
	logger *slog.Logger
	mutex  sync.Mutex
	flock  *flock.Flock
}

// OpenCSV opens the table at path, creating its directory if needed. A
// missing table is an empty queue; an unreadable one is an error.
func OpenCSV(path string, opts ...Option) (*CSVQueue, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	q := &CSVQueue{
		path:   path,
		logger: o.logger.With(slog.String("queue", path)),
		flock:  flock.New(path + ".lock"),
	}
	var records []Record
	err := q.withTable(func(loaded []Record) ([]Record, bool, error) {
		records = loaded
		return nil, false, nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Debug("opened pending table", slog.Int("records", len(records)))
	return q, nil
}

// withTable runs fn on the current records under the queue lock. If fn
// reports a change, the returned records replace the table.
func (q *CSVQueue) withTable(fn func(records []Record) ([]Record, bool, error)) error {
	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()

	records, err := q.load()
	if err != nil {
		return err
	}
	updated, changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return q.store(updated)
}

// lock takes the goroutine lock, then the file lock
func (q *CSVQueue) lock() (func(), error) {
	q.mutex.Lock()
	if err := q.flock.Lock(); err != nil {
		q.mutex.Unlock()
		return nil, fmt.Errorf("failed to lock pending table: %w", err)
	}
	return func() {
		if err := q.flock.Unlock(); err != nil {
			q.logger.Error("failed to unlock pending table", slog.Any("error", err))
		}
		q.mutex.Unlock()
	}, nil
}

func (q *CSVQueue) read() ([]byte, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending table: %w", err)
	}
	return data, nil
}

func (q *CSVQueue) load() ([]Record, error) {
	data, err := q.read()
	if err != nil {
		return nil, err
	}
	var records []Record
	for r, err := range parseTable(data) {
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (q *CSVQueue) store(records []Record) error {
	err := atomicfile.WriteFile(q.path, 0644, func(f *os.File) error {
		return writeTable(f, records)
	})
	if err != nil {
		return fmt.Errorf("failed to write pending table: %w", err)
	}
	return nil
}

func (q *CSVQueue) Enqueue(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withTable(func(records []Record) ([]Record, bool, error) {
		for _, existing := range records {
			if existing.Key() == r.Key() {
				return nil, false, fmt.Errorf("%w: %v", ErrDuplicateRecord, r.Key())
			}
		}
		return append(records, r), true, nil
	})
}

func (q *CSVQueue) Acknowledge(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.withTable(func(records []Record) ([]Record, bool, error) {
		kept := records[:0]
		for _, r := range records {
			if r.Key() != k {
				kept = append(kept, r)
			}
		}
		return kept, len(kept) != len(records), nil
	})
}

func (q *CSVQueue) Contains(ctx context.Context, k Key) (bool, error) {
	found := false
	err := q.withTable(func(records []Record) ([]Record, bool, error) {
		for _, r := range records {
			if r.Key() == k {
				found = true
				break
			}
		}
		return nil, false, nil
	})
	return found, err
}

func (q *CSVQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.withTable(func(records []Record) ([]Record, bool, error) {
		n = len(records)
		return nil, false, nil
	})
	return n, err
}

// Pending reads the table once per iteration and parses it row by row. The
// lock is held only while reading the file, so the caller may acknowledge
// records inside the loop.
func (q *CSVQueue) Pending(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		unlock, err := q.lock()
		if err != nil {
			yield(Record{}, err)
			return
		}
		data, err := q.read()
		unlock()
		if err != nil {
			yield(Record{}, err)
			return
		}

		for r, err := range parseTable(data) {
			if err == nil {
				err = ctx.Err()
			}
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

func (q *CSVQueue) Close() error {
	return nil
}

// parseTable yields the records of a CSV table. Empty input is an empty table.
func parseTable(data []byte) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if len(bytes.TrimSpace(data)) == 0 {
			return
		}
		cr := csv.NewReader(bytes.NewReader(data))
		cr.FieldsPerRecord = len(csvHeader)

		header, err := cr.Read()
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to read pending table header: %w", err))
			return
		}
		for i := range csvHeader {
			if header[i] != csvHeader[i] {
				yield(Record{}, fmt.Errorf("pending table column %d is %q, expected %q", i, header[i], csvHeader[i]))
				return
			}
		}

		for {
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Record{}, fmt.Errorf("failed to read pending table: %w", err))
				return
			}
			r, err := parseRow(row)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

func parseRow(row []string) (Record, error) {
	rssi, err := strconv.Atoi(row[2])
	if err != nil {
		return Record{}, fmt.Errorf("invalid rssi %q: %w", row[2], err)
	}
	temperature, err := strconv.ParseUint(row[3], 10, 16)
	if err != nil {
		return Record{}, fmt.Errorf("invalid temperature %q: %w", row[3], err)
	}
	sensorTime, err := strconv.ParseUint(row[4], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("invalid sensor_time %q: %w", row[4], err)
	}
	return Record{
		DeviceName:  row[0],
		HubTime:     row[1],
		RSSI:        rssi,
		Temperature: uint16(temperature),
		SensorTime:  uint32(sensorTime),
		MACAddress:  row[5],
		Filename:    row[6],
	}, nil
}

func writeTable(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.DeviceName,
			r.HubTime,
			strconv.Itoa(r.RSSI),
			strconv.FormatUint(uint64(r.Temperature), 10),
			strconv.FormatUint(uint64(r.SensorTime), 10),
			r.MACAddress,
			r.Filename,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
