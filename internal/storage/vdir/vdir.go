// Package vdir is the filesystem storage backend: a tree of nested
// directories mirroring collection paths, one file per item in leaf
// collections, JSON sidecar files for metadata, per-item caches, history
// chains and sync snapshots, and a single lock file at the root.
package vdir

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
	"github.com/Raimguhinov/davfs-go/pkg/storelock"
	"golang.org/x/sync/singleflight"
)

const (
	collectionRootDir = "collection-root"
	lockFileName      = ".davfs.lock"
	propsFileName     = ".davfs.props"
	cacheDirName      = ".davfs.cache"
	tmpPrefix         = ".davfs.tmp-"
)

type locker interface {
	storelock.Locker
	HeldWrite() bool
}

// Storage implements storage.Storage on a local or shared filesystem.
type Storage struct {
	cfg    storage.Config
	logger *logger.Logger
	lock   locker
	file   *storelock.FileLock

	// sf deduplicates concurrent cache rebuilds of the same item.
	sf singleflight.Group
}

var _ storage.Storage = (*Storage)(nil)

// New opens (creating if needed) the store rooted at cfg.Root.
func New(cfg storage.Config, l *logger.Logger) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Root, collectionRootDir), 0o700); err != nil {
		return nil, fmt.Errorf("vdir - New - os.MkdirAll: %w", err)
	}
	s := &Storage{cfg: cfg, logger: l}
	if cfg.InProcessLock {
		s.lock = storelock.NewMemoryLock()
	} else {
		fl, err := storelock.NewFileLock(filepath.Join(cfg.Root, lockFileName))
		if err != nil {
			return nil, err
		}
		s.file = fl
		s.lock = fl
	}
	return s, nil
}

func (s *Storage) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// AcquireLock hands out the scoped store lock. After a released write lock
// the configured hook runs; its failure is surfaced but the committed
// writes stand.
func (s *Storage) AcquireLock(mode storelock.Mode) (func() error, error) {
	release, err := s.lock.Acquire(mode)
	if err != nil {
		return nil, err
	}
	if mode != storelock.Write || s.cfg.Hook == "" {
		return release, nil
	}
	return func() error {
		if err := release(); err != nil {
			return err
		}
		return s.runHook()
	}, nil
}

func (s *Storage) runHook() error {
	s.logger.Debug("vdir.hook", slog.String("command", s.cfg.Hook))
	out, err := exec.Command("/bin/sh", "-c", s.cfg.Hook).CombinedOutput()
	if len(out) > 0 {
		s.logger.Debug("vdir.hook", slog.String("output", strings.TrimSpace(string(out))))
	}
	if err != nil {
		s.logger.Error("vdir.hook", logger.Err(err))
		return fmt.Errorf("vdir - runHook: %w", err)
	}
	return nil
}

// isSafeComponent accepts filename-safe path components. Everything the
// engine writes as sidecar state starts with a dot and is rejected here.
func isSafeComponent(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\") && !strings.HasPrefix(name, ".")
}

// sanitizePath normalizes a collection path to its internal form: slash
// separated, no surrounding slashes, every component filename-safe.
func sanitizePath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if !isSafeComponent(part) {
			return "", fmt.Errorf("%w: path component %q", storage.ErrBadHref, part)
		}
	}
	return strings.Join(parts, "/"), nil
}

func (s *Storage) fsPath(p string) string {
	return filepath.Join(s.cfg.Root, collectionRootDir, filepath.FromSlash(p))
}

// cacheBase returns the cache subtree of a collection, honoring the
// optional separate cache root.
func (s *Storage) cacheBase(p string) string {
	if s.cfg.CacheRoot != "" {
		return filepath.Join(s.cfg.CacheRoot, filepath.FromSlash(p), cacheDirName)
	}
	return filepath.Join(s.fsPath(p), cacheDirName)
}

func (s *Storage) GetCollection(p string) (storage.Collection, error) {
	p, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(s.fsPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: collection %q", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("vdir - GetCollection - os.Stat: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: collection %q", storage.ErrNotFound, p)
	}
	return &collection{s: s, path: p}, nil
}

// Discover yields the addressed collection or item first, then its direct
// children unless depth is "0".
func (s *Storage) Discover(p, depth string, fn func(storage.Resource) bool) error {
	p, err := sanitizePath(p)
	if err != nil {
		return err
	}
	s.logger.Debug("vdir.Discover", slog.String("path", p), slog.String("depth", depth))

	if fi, err := os.Stat(s.fsPath(p)); err == nil && fi.IsDir() {
		col := &collection{s: s, path: p}
		if !fn(storage.Resource{Collection: col}) {
			return nil
		}
		if depth == "0" {
			return nil
		}
		tag, err := col.Tag()
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(s.fsPath(p))
		if err != nil {
			return fmt.Errorf("vdir - Discover - os.ReadDir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if !isSafeComponent(name) {
				continue
			}
			if entry.IsDir() {
				child := &collection{s: s, path: path.Join(p, name)}
				if !fn(storage.Resource{Collection: child}) {
					return nil
				}
			} else if tag != "" {
				it, err := col.Get(name)
				if err != nil {
					s.logger.Warn("vdir.Discover", slog.String("href", name), logger.Err(err))
					continue
				}
				if !fn(storage.Resource{Item: it}) {
					return nil
				}
			}
		}
		return nil
	}

	// Not a directory: the path may address an item inside its parent.
	dir, base := path.Split(p)
	if base == "" {
		return fmt.Errorf("%w: %q", storage.ErrNotFound, p)
	}
	col, err := s.GetCollection(dir)
	if err != nil {
		return err
	}
	it, err := col.Get(base)
	if err != nil {
		return err
	}
	fn(storage.Resource{Item: it})
	return nil
}

// Move renames an item with an OS-level rename plus a cache and history
// move. Cross-collection moves update history on both sides.
func (s *Storage) Move(from storage.Collection, href string, to storage.Collection, toHref string) error {
	src, ok := from.(*collection)
	if !ok {
		return fmt.Errorf("vdir - Move: source collection is not a vdir collection")
	}
	dst, ok := to.(*collection)
	if !ok {
		return fmt.Errorf("vdir - Move: target collection is not a vdir collection")
	}
	if !isSafeComponent(href) || !isSafeComponent(toHref) {
		return fmt.Errorf("%w: %q -> %q", storage.ErrBadHref, href, toHref)
	}
	s.logger.Debug("vdir.Move",
		slog.String("from", path.Join(src.path, href)),
		slog.String("to", path.Join(dst.path, toHref)),
	)

	if err := os.Rename(src.itemPath(href), dst.itemPath(toHref)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: item %q", storage.ErrNotFound, href)
		}
		return fmt.Errorf("vdir - Move - os.Rename: %w", err)
	}
	if s.cfg.Fsync {
		_ = syncDirs(filepath.Dir(src.itemPath(href)), filepath.Dir(dst.itemPath(toHref)))
	}

	// The cache entry stays valid under the new href: same bytes, same hash.
	src.cacheMove(href, dst, toHref)

	it, err := dst.Get(toHref)
	if err != nil {
		return err
	}
	dst.touchHistory(toHref, it)
	if src.path != dst.path || href != toHref {
		src.cacheDelete(href)
		src.touchHistory(href, nil)
	}
	return nil
}
