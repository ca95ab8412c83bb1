//go:build windows

package atomicfile

// SyncDir is a no-op: windows offers no directory fsync equivalent.
func SyncDir(dir string) error {
	return nil
}
