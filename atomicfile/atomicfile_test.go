package atomicfile

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeString(s string) func(f *os.File) error {
	return func(f *os.File) error {
		_, err := io.WriteString(f, s)
		return err
	}
}

func TestWriteFileReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.csv")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := WriteFile(path, 0644, writeString("new")); err != nil {
		t.Fatalf("WriteFile() returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("contents = %q, expected %q", data, "new")
	}
	assertOnlyFile(t, filepath.Dir(path), "meta.csv")
}

func TestWriteFileFillError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.csv")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	failure := errors.New("disk full")
	err := WriteFile(path, 0644, func(f *os.File) error {
		io.WriteString(f, "partial")
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("WriteFile() = %v, expected the fill error", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("contents = %q after a failed write, expected %q", data, "old")
	}
	assertOnlyFile(t, filepath.Dir(path), "meta.csv")
}

func TestWriteFileCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.csv")
	if err := WriteFile(path, 0600, writeString("freq,real,imag\n")); err != nil {
		t.Fatalf("WriteFile() returned error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, expected 0600", info.Mode().Perm())
	}
}

func TestWriteFileMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "meta.csv")
	if err := WriteFile(path, 0644, writeString("x")); err == nil {
		t.Errorf("WriteFile() into a missing directory returned nil")
	}
}

func assertOnlyFile(t *testing.T, dir, name string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != name {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, expected only %s", names, name)
	}
}

func TestCreateFileRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EMI-01-2021-06-03T14:05:09.csv")
	if err := CreateFile(path, 0644, writeString("first")); err != nil {
		t.Fatalf("CreateFile() returned error: %v", err)
	}

	err := CreateFile(path, 0644, writeString("second"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("CreateFile() over an existing file = %v, expected ErrExist", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "first" {
		t.Errorf("contents = %q, expected %q", data, "first")
	}
	assertOnlyFile(t, filepath.Dir(path), filepath.Base(path))
}
