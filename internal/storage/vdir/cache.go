package vdir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/pkg/atomicfile"
)

// cacheVersion is folded into the content hash so a format change
// invalidates every entry at once.
const cacheVersion = "1"

const (
	cacheItemDir  = "item"
	cacheTokenDir = "sync-token"
	historyDir    = "history"
)

// cacheEntry memoizes the attributes derived from one item's content. The
// entry is keyed by href and validated against the content hash, so a
// stale entry is indistinguishable from a missing one.
type cacheEntry struct {
	Hash  string `json:"hash"`
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

func rawHash(data []byte) string {
	h := sha256.New()
	h.Write([]byte(cacheVersion))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *collection) cacheDir(sub string) string {
	return filepath.Join(c.s.cacheBase(c.path), sub)
}

func (c *collection) cacheLookup(href string, data []byte, hash string, mod time.Time) (*item.Item, bool) {
	raw, err := os.ReadFile(filepath.Join(c.cacheDir(cacheItemDir), href))
	if err != nil {
		return nil, false
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.Hash != hash {
		return nil, false
	}
	return item.FromCache(href, data, e.UID, e.Name, e.Kind, mod, e.Start, e.End), true
}

// cacheStore is best effort: a concurrent reader losing the race or a full
// cache tier only costs a re-parse later.
func (c *collection) cacheStore(href string, e *cacheEntry) {
	dir := c.cacheDir(cacheItemDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.debugf("vdir.cacheStore", err)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.debugf("vdir.cacheStore", err)
		return
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, href), data, 0o600, false); err != nil {
		c.debugf("vdir.cacheStore", err)
	}
}

func (c *collection) cacheDelete(href string) {
	_ = os.Remove(filepath.Join(c.cacheDir(cacheItemDir), href))
}

// cacheMove carries the memoized entry along with a renamed item; the
// content hash stays valid because the bytes did not change.
func (c *collection) cacheMove(href string, dst *collection, toHref string) {
	src := filepath.Join(c.cacheDir(cacheItemDir), href)
	dstDir := dst.cacheDir(cacheItemDir)
	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		c.debugf("vdir.cacheMove", err)
		return
	}
	if err := os.Rename(src, filepath.Join(dstDir, toHref)); err != nil && !os.IsNotExist(err) {
		c.debugf("vdir.cacheMove", err)
	}
}

// cacheSweep drops entries whose item no longer exists.
func (c *collection) cacheSweep() {
	dir := c.cacheDir(cacheItemDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if _, err := os.Stat(c.itemPath(entry.Name())); os.IsNotExist(err) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
