// Package atomicfile implements crash-safe file replacement: content is
// written to a temporary file in the target directory, flushed, optionally
// fsynced, and renamed over the target. Readers never observe a partially
// written file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the file at path with data. When durable is
// true the file and its directory are fsynced before and after the rename.
// On any failure before the rename the target is left untouched and the
// temporary file is removed.
func WriteFile(path string, data []byte, perm os.FileMode, durable bool) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile - WriteFile - os.CreateTemp: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("atomicfile - WriteFile - tmp.Write: %w", err))
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("atomicfile - WriteFile - tmp.Chmod: %w", err))
	}
	if durable {
		if err := tmp.Sync(); err != nil {
			return cleanup(fmt.Errorf("atomicfile - WriteFile - tmp.Sync: %w", err))
		}
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("atomicfile - WriteFile - tmp.Close: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("atomicfile - WriteFile - os.Rename: %w", err)
	}
	if durable {
		if err := SyncDir(dir); err != nil {
			return fmt.Errorf("atomicfile - WriteFile - SyncDir: %w", err)
		}
	}
	return nil
}

// ReplaceDir atomically swaps the directory tmp into place at dst. If dst
// already exists it is moved aside first and removed after the swap, so a
// failure never leaves dst half-built.
func ReplaceDir(tmp, dst string, durable bool) error {
	parent := filepath.Dir(dst)

	var aside string
	if _, err := os.Stat(dst); err == nil {
		aside = dst + ".old-" + filepath.Base(tmp)
		if err := os.Rename(dst, aside); err != nil {
			return fmt.Errorf("atomicfile - ReplaceDir - os.Rename aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("atomicfile - ReplaceDir - os.Stat: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		if aside != "" {
			// Best effort rollback of the previous directory.
			_ = os.Rename(aside, dst)
		}
		return fmt.Errorf("atomicfile - ReplaceDir - os.Rename: %w", err)
	}
	if durable {
		if err := SyncDir(parent); err != nil {
			return fmt.Errorf("atomicfile - ReplaceDir - SyncDir: %w", err)
		}
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			return fmt.Errorf("atomicfile - ReplaceDir - os.RemoveAll: %w", err)
		}
	}
	return nil
}
