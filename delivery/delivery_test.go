package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Lazloian/EMI-Analyzer/queue"
	"github.com/Lazloian/EMI-Analyzer/upload"
)

// fakeCollector acknowledges uploads unless told to fail them
type fakeCollector struct {
	mutex    sync.Mutex
	down     bool
	rejected map[queue.Key]bool
	received []upload.Request

	// block, when set, is waited on before answering
	block chan struct{}
}

func (c *fakeCollector) Upload(ctx context.Context, req upload.Request) error {
	if c.block != nil {
		<-c.block
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.received = append(c.received, req)
	if c.down || c.rejected[req.Record.Key()] {
		return &upload.StatusError{StatusCode: 503}
	}
	return nil
}

func (c *fakeCollector) setDown(down bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.down = down
}

func (c *fakeCollector) uploads() []upload.Request {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]upload.Request{}, c.received...)
}

func record(i int) queue.Record {
	return queue.Record{
		DeviceName: "EMI-01",
		HubTime:    fmt.Sprintf("2021-06-03T14:05:%02d+00:00", i),
		Filename:   fmt.Sprintf("EMI-01-2021-06-03T14:05:%02d.csv", i),
	}
}

func newDeliverer(t *testing.T) (*Deliverer, *fakeCollector, queue.Queue, string) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.OpenCSV(filepath.Join(dir, queue.CSVTableName))
	if err != nil {
		t.Fatal(err)
	}
	c := &fakeCollector{rejected: map[queue.Key]bool{}}
	return New(q, c, dir), c, q, dir
}

func pendingKeys(t *testing.T, q queue.Queue) []queue.Key {
	t.Helper()
	var keys []queue.Key
	for r, err := range q.Pending(context.Background()) {
		if err != nil {
			t.Fatalf("Pending() yielded error: %v", err)
		}
		keys = append(keys, r.Key())
	}
	return keys
}

func TestFailureQueuesOnce(t *testing.T) {
	d, c, q, _ := newDeliverer(t)
	c.setDown(true)
	ctx := context.Background()

	for range 2 {
		outcome, err := d.Deliver(ctx, record(1))
		if err != nil {
			t.Fatalf("Deliver() returned error: %v", err)
		}
		if outcome != Queued {
			t.Errorf("Deliver() = %v, expected queued", outcome)
		}
	}

	keys := pendingKeys(t, q)
	if len(keys) != 1 || keys[0] != record(1).Key() {
		t.Errorf("pending = %v, expected only %v", keys, record(1).Key())
	}
	if err := q.Enqueue(ctx, record(1)); !errors.Is(err, queue.ErrDuplicateRecord) {
		t.Errorf("Enqueue() = %v, expected ErrDuplicateRecord", err)
	}
	// No resync on failure: one attempt per Deliver
	if n := len(c.uploads()); n != 2 {
		t.Errorf("collector saw %d uploads, expected 2", n)
	}
}

func TestSuccessResyncsPending(t *testing.T) {
	d, c, q, dir := newDeliverer(t)
	ctx := context.Background()

	c.setDown(true)
	d.Deliver(ctx, record(1))
	d.Deliver(ctx, record(2))
	c.setDown(false)

	outcome, err := d.Deliver(ctx, record(3))
	if err != nil || outcome != Delivered {
		t.Fatalf("Deliver() = %v, %v, expected delivered", outcome, err)
	}
	if keys := pendingKeys(t, q); len(keys) != 0 {
		t.Errorf("pending = %v after resync, expected empty", keys)
	}

	// Current batch first, then the queue oldest first
	uploads := c.uploads()[2:]
	expected := []queue.Key{record(3).Key(), record(1).Key(), record(2).Key()}
	if len(uploads) != len(expected) {
		t.Fatalf("collector saw %d uploads after recovery, expected %d", len(uploads), len(expected))
	}
	for i, key := range expected {
		if uploads[i].Record.Key() != key {
			t.Errorf("upload[%d] = %v, expected %v", i, uploads[i].Record.Key(), key)
		}
	}
	if uploads[1].Path != filepath.Join(dir, record(1).Filename) {
		t.Errorf("resync uploaded %q, expected the file in the sweep directory", uploads[1].Path)
	}
}

func TestResyncStopsAtFirstFailure(t *testing.T) {
	d, c, q, _ := newDeliverer(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		q.Enqueue(ctx, record(i))
	}
	c.rejected[record(2).Key()] = true

	n, err := d.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync() returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("Resync() delivered %d, expected 1", n)
	}
	keys := pendingKeys(t, q)
	if len(keys) != 2 || keys[0] != record(2).Key() || keys[1] != record(3).Key() {
		t.Errorf("pending = %v, expected records 2 and 3", keys)
	}
	if len(c.uploads()) != 2 {
		t.Errorf("collector saw %d uploads, expected 2 (stop after the failure)", len(c.uploads()))
	}
}

// A batch that is already queued and then delivered directly is removed
func TestDeliverAcknowledgesQueuedBatch(t *testing.T) {
	d, _, q, _ := newDeliverer(t)
	ctx := context.Background()
	q.Enqueue(ctx, record(1))

	if outcome, _ := d.Deliver(ctx, record(1)); outcome != Delivered {
		t.Fatalf("Deliver() = %v, expected delivered", outcome)
	}
	if keys := pendingKeys(t, q); len(keys) != 0 {
		t.Errorf("pending = %v, expected empty", keys)
	}
}

func TestConcurrentResyncIsSkipped(t *testing.T) {
	d, c, q, _ := newDeliverer(t)
	ctx := context.Background()
	q.Enqueue(ctx, record(1))
	c.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := d.Resync(ctx)
		done <- err
	}()

	// Wait until the first sweep holds the guard
	for !d.resyncing.Load() {
	}
	if _, err := d.Resync(ctx); !errors.Is(err, ErrResyncInProgress) {
		t.Errorf("concurrent Resync() = %v, expected ErrResyncInProgress", err)
	}

	close(c.block)
	if err := <-done; err != nil {
		t.Errorf("first Resync() returned error: %v", err)
	}
	if _, err := d.Resync(ctx); err != nil {
		t.Errorf("Resync() after the first finished = %v", err)
	}
}

func TestAbsoluteFilename(t *testing.T) {
	d, c, _, _ := newDeliverer(t)
	r := record(1)
	r.Filename = filepath.Join(t.TempDir(), "elsewhere.csv")

	d.Deliver(context.Background(), r)
	if got := c.uploads()[0].Path; got != r.Filename {
		t.Errorf("uploaded %q, expected %q", got, r.Filename)
	}
}
