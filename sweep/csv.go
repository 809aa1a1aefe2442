package sweep

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Lazloian/EMI-Analyzer/atomicfile"
)

var csvHeader = []string{"freq", "real", "imag"}

// WriteCSV writes points as CSV with a freq,real,imag header
func WriteCSV(w io.Writer, points []Point) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, p := range points {
		row := []string{
			strconv.FormatUint(uint64(p.Frequency), 10),
			strconv.FormatInt(int64(p.Real), 10),
			strconv.FormatInt(int64(p.Imag), 10),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write point: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a batch file written by WriteCSV
func ReadCSV(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range csvHeader {
		if header[i] != csvHeader[i] {
			return nil, fmt.Errorf("unexpected column %q, expected %q", header[i], csvHeader[i])
		}
	}

	var points []Point
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return points, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read point: %w", err)
		}
		freq, err := strconv.ParseUint(row[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency %q: %w", row[0], err)
		}
		re, err := strconv.ParseInt(row[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid real part %q: %w", row[1], err)
		}
		im, err := strconv.ParseInt(row[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid imaginary part %q: %w", row[2], err)
		}
		points = append(points, Point{Frequency: uint32(freq), Real: int16(re), Imag: int16(im)})
	}
}

// Save writes the batch into dir under its deterministic file name and
// returns the full path. The file appears atomically. An existing file of
// the same name is never replaced; Save returns ErrExists instead.
func Save(dir string, b *Batch) (string, error) {
	path := filepath.Join(dir, b.Metadata.Filename())
	err := atomicfile.CreateFile(path, 0644, func(f *os.File) error {
		return WriteCSV(f, b.Points)
	})
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to save sweep: %w", err)
	}
	return path, nil
}
