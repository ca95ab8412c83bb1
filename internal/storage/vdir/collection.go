package vdir

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/filter"
	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/atomicfile"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
)

type collection struct {
	s    *Storage
	path string
}

var _ storage.Collection = (*collection)(nil)

func (c *collection) Path() string { return c.path }

func (c *collection) fsPath() string { return c.s.fsPath(c.path) }

func (c *collection) itemPath(href string) string {
	return filepath.Join(c.fsPath(), href)
}

func (c *collection) Tag() (item.Tag, error) {
	meta, err := c.GetMeta()
	if err != nil {
		return "", err
	}
	return item.Tag(meta["tag"]), nil
}

// GetMeta reads the JSON metadata sidecar; a collection without one has
// empty metadata.
func (c *collection) GetMeta() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(c.fsPath(), propsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("vdir - GetMeta - os.ReadFile: %w", err)
	}
	props := map[string]string{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("vdir - GetMeta - json.Unmarshal: %w", err)
	}
	return props, nil
}

// SetMeta atomically replaces the whole metadata mapping.
func (c *collection) SetMeta(props map[string]string) error {
	if err := checkTag(props); err != nil {
		return err
	}
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("vdir - SetMeta - json.Marshal: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(c.fsPath(), propsFileName), data, 0o600, c.s.cfg.Fsync)
}

func checkTag(props map[string]string) error {
	switch item.Tag(props["tag"]) {
	case "", item.TagCalendar, item.TagAddressBook:
		return nil
	default:
		return fmt.Errorf("%w: %q", storage.ErrUnsupportedTag, props["tag"])
	}
}

func (c *collection) Get(href string) (*item.Item, error) {
	if !isSafeComponent(href) {
		return nil, fmt.Errorf("%w: %q", storage.ErrBadHref, href)
	}
	tag, err := c.Tag()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, fmt.Errorf("%w: item %q", storage.ErrNotFound, href)
	}
	return c.get(href, tag)
}

// get loads one item, preferring the memoized attributes over a fresh
// parse. Concurrent cache misses on the same content are deduplicated.
func (c *collection) get(href string, tag item.Tag) (*item.Item, error) {
	p := c.itemPath(href)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: item %q", storage.ErrNotFound, href)
		}
		return nil, fmt.Errorf("vdir - get - os.ReadFile: %w", err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("vdir - get - os.Stat: %w", err)
	}

	hash := rawHash(data)
	if it, ok := c.cacheLookup(href, data, hash, fi.ModTime()); ok {
		return it, nil
	}

	// Only the immutable cache entry is shared between concurrent readers;
	// every caller gets its own Item over the same bytes.
	var e *cacheEntry
	if c.s.lock.HeldWrite() {
		// The writer just produced this content; no other parser can race.
		e, err = c.parseAndCache(href, data, tag, hash)
		if err != nil {
			return nil, err
		}
	} else {
		key := path.Join(c.path, href) + "\x00" + hash
		v, err, _ := c.s.sf.Do(key, func() (any, error) {
			return c.parseAndCache(href, data, tag, hash)
		})
		if err != nil {
			return nil, err
		}
		e = v.(*cacheEntry)
	}
	return item.FromCache(href, data, e.UID, e.Name, e.Kind, fi.ModTime(), e.Start, e.End), nil
}

func (c *collection) parseAndCache(href string, data []byte, tag item.Tag, hash string) (*cacheEntry, error) {
	it, err := item.Parse(data, tag, nil)
	if err != nil {
		return nil, fmt.Errorf("item %q in %q: %w", href, c.path, err)
	}
	// The ETag and the derived attributes are over the stored bytes, not
	// the re-encoded form, so they stay stable across cache rebuilds.
	it.Raw = data
	start, end := it.TimeRange()
	e := &cacheEntry{
		Hash:  hash,
		UID:   it.UID,
		Name:  it.Name,
		Kind:  it.Kind,
		Start: start,
		End:   end,
	}
	c.cacheStore(href, e)
	return e, nil
}

// GetMulti resolves several hrefs against a single directory listing.
// Missing hrefs yield nil entries in the same positions.
func (c *collection) GetMulti(hrefs []string) ([]*item.Item, error) {
	tag, err := c.Tag()
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	if tag != "" {
		entries, err := os.ReadDir(c.fsPath())
		if err != nil {
			return nil, fmt.Errorf("vdir - GetMulti - os.ReadDir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && isSafeComponent(entry.Name()) {
				present[entry.Name()] = true
			}
		}
	}
	items := make([]*item.Item, len(hrefs))
	for i, href := range hrefs {
		if !isSafeComponent(href) {
			return nil, fmt.Errorf("%w: %q", storage.ErrBadHref, href)
		}
		if !present[href] {
			continue
		}
		it, err := c.get(href, tag)
		if err != nil {
			return nil, err
		}
		items[i] = it
	}
	return items, nil
}

func (c *collection) GetAll() ([]*item.Item, error) {
	var items []*item.Item
	err := c.forEach(func(it *item.Item) bool {
		items = append(items, it)
		return true
	})
	return items, err
}

// forEach streams the live items in directory order.
func (c *collection) forEach(fn func(*item.Item) bool) error {
	tag, err := c.Tag()
	if err != nil {
		return err
	}
	if tag == "" {
		return nil
	}
	entries, err := os.ReadDir(c.fsPath())
	if err != nil {
		return fmt.Errorf("vdir - forEach - os.ReadDir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSafeComponent(entry.Name()) {
			continue
		}
		it, err := c.get(entry.Name(), tag)
		if err != nil {
			return err
		}
		if !fn(it) {
			return nil
		}
	}
	return nil
}

// GetFiltered runs the cheap prefilter over the memoized attributes and
// streams the selected items. exact tells the caller whether the full
// filter pass is still required.
func (c *collection) GetFiltered(filters []filter.CompFilter, fn func(it *item.Item, exact bool) bool) error {
	pre := filter.Simplify(filters)
	return c.forEach(func(it *item.Item) bool {
		if !pre.Select(it) {
			return true
		}
		// Overlap of the enclosing range is conclusive only when the whole
		// range sits inside the window; a recurrence gap can straddle it.
		return fn(it, pre.Exact && pre.Covers(it))
	})
}

func (c *collection) HasUID(uid string) (bool, error) {
	found := false
	err := c.forEach(func(it *item.Item) bool {
		if it.UID == uid {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Upload atomically replaces the item content, then refreshes the cache
// entry and extends the history chain, in that order. A crash between the
// steps leaves stale sidecar state that the next read or sync repairs.
func (c *collection) Upload(href string, it *item.Item) (*item.Item, error) {
	if !isSafeComponent(href) {
		return nil, fmt.Errorf("%w: %q", storage.ErrBadHref, href)
	}
	tag, err := c.Tag()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, fmt.Errorf("%w: collection %q holds no items", storage.ErrUnsupportedTag, c.path)
	}
	c.s.logger.Debug("vdir.Upload", slog.String("path", c.path), slog.String("href", href))

	data := it.Bytes()
	p := c.itemPath(href)
	if err := atomicfile.WriteFile(p, data, 0o600, c.s.cfg.Fsync); err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("vdir - Upload - os.Stat: %w", err)
	}
	it.Href = href
	it.ModTime = fi.ModTime()

	start, end := it.TimeRange()
	c.cacheStore(href, &cacheEntry{
		Hash:  rawHash(data),
		UID:   it.UID,
		Name:  it.Name,
		Kind:  it.Kind,
		Start: start,
		End:   end,
	})
	c.touchHistory(href, it)
	return it, nil
}

// Delete removes one item, or the entire collection when href is empty.
func (c *collection) Delete(href string) error {
	if href == "" {
		return c.deleteCollection()
	}
	if !isSafeComponent(href) {
		return fmt.Errorf("%w: %q", storage.ErrBadHref, href)
	}
	c.s.logger.Debug("vdir.Delete", slog.String("path", c.path), slog.String("href", href))

	p := c.itemPath(href)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: item %q", storage.ErrNotFound, href)
		}
		return fmt.Errorf("vdir - Delete - os.Remove: %w", err)
	}
	if c.s.cfg.Fsync {
		_ = syncDirs(c.fsPath())
	}
	c.cacheDelete(href)
	c.touchHistory(href, nil)
	return nil
}

func (c *collection) deleteCollection() error {
	c.s.logger.Debug("vdir.Delete", slog.String("path", c.path))
	if c.path == "" {
		return fmt.Errorf("%w: cannot delete the root collection", storage.ErrBadHref)
	}
	if err := os.RemoveAll(c.fsPath()); err != nil {
		return fmt.Errorf("vdir - Delete - os.RemoveAll: %w", err)
	}
	if c.s.cfg.CacheRoot != "" {
		_ = os.RemoveAll(filepath.Join(c.s.cfg.CacheRoot, filepath.FromSlash(c.path)))
	}
	if c.s.cfg.Fsync {
		_ = syncDirs(filepath.Dir(c.fsPath()))
	}
	return nil
}

// Clean expires history entries of long-deleted items and sweeps cache
// entries whose item is gone.
func (c *collection) Clean(maxAge time.Duration) error {
	if err := c.expireHistory(maxAge); err != nil {
		return err
	}
	c.cacheSweep()
	return nil
}

func syncDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := atomicfile.SyncDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (c *collection) debugf(msg string, err error) {
	c.s.logger.Debug(msg, slog.String("path", c.path), logger.Err(err))
}
