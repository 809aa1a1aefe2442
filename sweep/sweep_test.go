package sweep

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAssemblerNotReady(t *testing.T) {
	a := NewAssembler()
	if _, err := a.IsComplete(); !errors.Is(err, ErrNotReady) {
		t.Errorf("IsComplete() before Expect = %v, expected ErrNotReady", err)
	}
	if err := a.Append([]Point{{Frequency: 1}}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Append() before Expect = %v, expected ErrNotReady", err)
	}
}

func TestAssemblerCompletes(t *testing.T) {
	a := NewAssembler()
	if err := a.Expect(3); err != nil {
		t.Fatalf("Expect() returned error: %v", err)
	}
	if err := a.Append([]Point{{Frequency: 1000}, {Frequency: 1500}}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	if done, _ := a.IsComplete(); done {
		t.Errorf("IsComplete() = true after 2 of 3 points")
	}
	if err := a.Append([]Point{{Frequency: 2000}}); err != nil {
		t.Fatalf("Append() returned error: %v", err)
	}
	if done, err := a.IsComplete(); !done || err != nil {
		t.Errorf("IsComplete() = %v, %v, expected true", done, err)
	}

	points := a.Points()
	expected := []uint32{1000, 1500, 2000}
	for i, f := range expected {
		if points[i].Frequency != f {
			t.Errorf("point[%d].Frequency = %d, expected %d", i, points[i].Frequency, f)
		}
	}
}

func TestAssemblerEmptySweep(t *testing.T) {
	a := NewAssembler()
	_ = a.Expect(0)
	if done, err := a.IsComplete(); !done || err != nil {
		t.Errorf("IsComplete() for empty sweep = %v, %v, expected true", done, err)
	}
}

func TestAssemblerExpectOnce(t *testing.T) {
	a := NewAssembler()
	_ = a.Expect(5)
	if err := a.Expect(6); !errors.Is(err, ErrAlreadySet) {
		t.Errorf("second Expect() = %v, expected ErrAlreadySet", err)
	}
	if n, _ := a.Expected(); n != 5 {
		t.Errorf("Expected() = %d after rejected Expect, expected 5", n)
	}
}

func TestAssemblerOverflowAppliesNothing(t *testing.T) {
	a := NewAssembler()
	_ = a.Expect(2)
	_ = a.Append([]Point{{Frequency: 1}})
	if err := a.Append([]Point{{Frequency: 2}, {Frequency: 3}}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Append() = %v, expected ErrOverflow", err)
	}
	if a.Len() != 1 {
		t.Errorf("Len() = %d after rejected Append, expected 1", a.Len())
	}
}

func TestMetadataNames(t *testing.T) {
	m := Metadata{
		DeviceName:   "EMI-01",
		HubTimestamp: time.Date(2021, 6, 3, 14, 5, 9, 500, time.FixedZone("EDT", -4*3600)),
	}
	if got := m.HubTime(); got != "2021-06-03T18:05:09+00:00" {
		t.Errorf("HubTime() = %q", got)
	}
	if got := m.Filename(); got != "EMI-01-2021-06-03T18:05:09.csv" {
		t.Errorf("Filename() = %q", got)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	points := []Point{
		{Frequency: 1000, Real: 100, Imag: -56},
		{Frequency: 1500, Real: 300, Imag: -100},
		{Frequency: 4294967295, Real: -32768, Imag: 32767},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, points); err != nil {
		t.Fatalf("WriteCSV() returned error: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("freq,real,imag\n1000,100,-56\n")) {
		t.Errorf("WriteCSV() output = %q", buf.String())
	}

	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV() returned error: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("ReadCSV() returned %d points, expected %d", len(got), len(points))
	}
	for i := range points {
		if got[i] != points[i] {
			t.Errorf("point[%d] = %+v, expected %+v", i, got[i], points[i])
		}
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	b := &Batch{
		Metadata: Metadata{DeviceName: "EMI-02", HubTimestamp: time.Date(2021, 6, 3, 0, 0, 0, 0, time.UTC)},
		Points:   []Point{{Frequency: 1000, Real: 1, Imag: 2}},
	}
	path, err := Save(dir, b)
	if err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}
	if path != filepath.Join(dir, "EMI-02-2021-06-03T00:00:00.csv") {
		t.Errorf("Save() path = %q", path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, expected only the batch file", len(entries))
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer f.Close()
	points, err := ReadCSV(f)
	if err != nil || len(points) != 1 || points[0] != b.Points[0] {
		t.Errorf("saved points = %+v, %v", points, err)
	}
}

// Two sweeps stamped within the same second share a file name
func TestSaveKeepsExistingBatch(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{DeviceName: "EMI-02", HubTimestamp: time.Date(2021, 6, 3, 0, 0, 0, 0, time.UTC)}
	first := &Batch{Metadata: meta, Points: []Point{{Frequency: 1000, Real: 1, Imag: 2}}}
	second := &Batch{Metadata: meta, Points: []Point{{Frequency: 2000, Real: 3, Imag: 4}}}
	second.Metadata.HubTimestamp = meta.HubTimestamp.Add(400 * time.Millisecond)

	path, err := Save(dir, first)
	if err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}
	if _, err := Save(dir, second); !errors.Is(err, ErrExists) {
		t.Fatalf("second Save() = %v, expected ErrExists", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	points, err := ReadCSV(f)
	if err != nil || len(points) != 1 || points[0] != first.Points[0] {
		t.Errorf("batch file holds %+v, %v, expected the first sweep", points, err)
	}
}
