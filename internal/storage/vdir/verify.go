package vdir

import (
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/Raimguhinov/davfs-go/pkg/logger"
)

// Verify walks the whole tree, re-validating every collection's metadata
// and every item, and returns how many resources are broken. Broken
// resources are reported and skipped, never repaired.
func (s *Storage) Verify() (int, error) {
	broken := 0
	var walk func(p string) error
	walk = func(p string) error {
		col := &collection{s: s, path: p}
		tag, err := col.Tag()
		if err != nil {
			s.logger.Error("vdir.Verify", slog.String("path", p), logger.Err(err))
			broken++
		}
		entries, err := os.ReadDir(s.fsPath(p))
		if err != nil {
			return fmt.Errorf("vdir - Verify - os.ReadDir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if !isSafeComponent(name) {
				continue
			}
			if entry.IsDir() {
				if err := walk(path.Join(p, name)); err != nil {
					return err
				}
				continue
			}
			if tag == "" {
				// Files in untagged collections are not items; flag them.
				s.logger.Error("vdir.Verify", slog.String("path", path.Join(p, name)),
					slog.String("reason", "item outside a tagged collection"))
				broken++
				continue
			}
			if _, err := col.get(name, tag); err != nil {
				s.logger.Error("vdir.Verify", slog.String("path", path.Join(p, name)), logger.Err(err))
				broken++
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return broken, err
	}
	return broken, nil
}
