package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// SQLiteTableName is the database file name in the sweep directory
const SQLiteTableName = "pending.sqlite"

//go:embed schema.sql
var initSchemaSQL string

const (
	insertPendingSQL   = `INSERT INTO pending (device_name, hub_time, rssi, temperature, sensor_time, mac_address, filename) VALUES (?, ?, ?, ?, ?, ?, ?)`
	deletePendingSQL   = `DELETE FROM pending WHERE device_name = ? AND hub_time = ?`
	containsPendingSQL = `SELECT EXISTS (SELECT 1 FROM pending WHERE device_name = ? AND hub_time = ?)`
	countPendingSQL    = `SELECT COUNT(*) FROM pending`
	selectPendingSQL   = `SELECT rowid, device_name, hub_time, rssi, temperature, sensor_time, mac_address, filename FROM pending WHERE rowid > ? ORDER BY rowid LIMIT ?`
)

// pendingPageSize is the number of rows Pending fetches per query
const pendingPageSize = 64

// SQLiteQueue keeps pending records in an SQLite table in WAL mode.
// Insertion order is the rowid order.
type SQLiteQueue struct {
	dbPath string
	logger *slog.Logger
	mutex  sync.Mutex

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

// OpenSQLite opens or creates the database at dbPath and initializes the schema
func OpenSQLite(dbPath string, opts ...Option) (*SQLiteQueue, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", dbPath, err)
	}
	q := &SQLiteQueue{
		dbPath: dbPath,
		logger: o.logger.With(slog.String("queue", dbPath)),
	}
	if _, err := q.getDB(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) getDB() (*sql.DB, error) {
	q.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", q.dbPath, "_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"))
		if err != nil {
			q.dbErr = fmt.Errorf("opening database: %w", err)
			return
		}
		// One writer; the mutex serializes mutations anyway
		db.SetMaxOpenConns(1)

		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			q.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		q.db = db
	})
	return q.db, q.dbErr
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, r Record) (err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	db, err := q.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			rollbackWithError(tx, &err)
		}
	}()

	_, err = tx.ExecContext(ctx, insertPendingSQL,
		r.DeviceName, r.HubTime, r.RSSI, r.Temperature, r.SensorTime, r.MACAddress, r.Filename)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %v", ErrDuplicateRecord, r.Key())
		}
		return fmt.Errorf("inserting record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing record: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Acknowledge(ctx context.Context, k Key) (err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	db, err := q.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			rollbackWithError(tx, &err)
		}
	}()

	if _, err = tx.ExecContext(ctx, deletePendingSQL, k.DeviceName, k.HubTime); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Contains(ctx context.Context, k Key) (bool, error) {
	db, err := q.getDB()
	if err != nil {
		return false, err
	}
	var found bool
	if err := db.QueryRowContext(ctx, containsPendingSQL, k.DeviceName, k.HubTime).Scan(&found); err != nil {
		return false, fmt.Errorf("looking up record: %w", err)
	}
	return found, nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	db, err := q.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Pending pages through the table by rowid. No rows are held open while
// the caller handles a record, so acknowledging inside the loop is safe.
func (q *SQLiteQueue) Pending(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		db, err := q.getDB()
		if err != nil {
			yield(Record{}, err)
			return
		}

		var after int64
		for {
			page, last, err := q.page(ctx, db, after)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < pendingPageSize {
				return
			}
			after = last
		}
	}
}

func (q *SQLiteQueue) page(ctx context.Context, db *sql.DB, after int64) (records []Record, last int64, err error) {
	rows, err := db.QueryContext(ctx, selectPendingSQL, after, pendingPageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("querying records: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var r Record
		if err = rows.Scan(&last, &r.DeviceName, &r.HubTime, &r.RSSI, &r.Temperature, &r.SensorTime, &r.MACAddress, &r.Filename); err != nil {
			return nil, 0, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating records: %w", err)
	}
	return records, last, nil
}

func (q *SQLiteQueue) Close() error {
	q.closeOnce.Do(func() {
		if q.db != nil {
			q.closeErr = q.db.Close()
		}
	})
	return q.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if rErr := rb.Rollback(); rErr != nil && !errors.Is(rErr, sql.ErrTxDone) && *err == nil {
		*err = rErr
	}
}
