// Package atomicfile replaces files so that readers observe either the old
// or the new contents, never a partial write.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// tempPattern is the name pattern of in-flight files. Readers must ignore them.
const tempPattern = ".*.tmp"

// WriteFile writes data produced by fill to a temporary file in the directory
// of path, syncs it and renames it over path. The directory is synced after
// the rename. On any error the temporary file is removed and path is untouched.
func WriteFile(path string, perm os.FileMode, fill func(f *os.File) error) error {
	return write(path, perm, fill, func(tmpName string) error {
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
		}
		return nil
	})
}

// CreateFile is WriteFile for a path that must not exist yet. If it does,
// the error matches fs.ErrExist and the existing file is untouched.
func CreateFile(path string, perm os.FileMode, fill func(f *os.File) error) error {
	return write(path, perm, fill, func(tmpName string) error {
		if err := os.Link(tmpName, path); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		_ = os.Remove(tmpName)
		return nil
	})
}

func write(path string, perm os.FileMode, fill func(f *os.File) error, publish func(tmpName string) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = fill(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err = publish(tmpName); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir flushes the directory entry of a rename. Some platforms cannot
// open a directory for sync; that is not treated as an error.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
