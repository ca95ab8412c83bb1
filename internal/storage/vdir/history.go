package vdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/usecase/etag"
	"github.com/Raimguhinov/davfs-go/pkg/atomicfile"
	"github.com/google/uuid"
)

// historyEntry is the per-href change chain: Etag is the current content
// fingerprint (empty once deleted) and HistoryEtag folds every past state
// into one value, so two stores that went through different edit sequences
// never agree on it by accident.
type historyEntry struct {
	Etag        string `json:"etag"`
	HistoryEtag string `json:"history-etag"`
}

// touchHistory advances the chain for one href if its content changed and
// returns the current history etag. it is nil for a deleted item. Write
// failures are tolerated: concurrent writers race benignly and the chain
// converges on the next touch.
func (c *collection) touchHistory(href string, it *item.Item) string {
	e := c.readHistory(href)
	curEtag := ""
	if it != nil {
		curEtag = it.ETag()
	}
	if e.Etag == curEtag && e.HistoryEtag != "" {
		return e.HistoryEtag
	}
	e = historyEntry{
		Etag:        curEtag,
		HistoryEtag: etag.FromText(e.HistoryEtag + "/" + curEtag),
	}
	dir := c.cacheDir(historyDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.debugf("vdir.touchHistory", err)
		return e.HistoryEtag
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.debugf("vdir.touchHistory", err)
		return e.HistoryEtag
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, href), data, 0o600, false); err != nil {
		c.debugf("vdir.touchHistory", err)
	}
	return e.HistoryEtag
}

// readHistory loads the chain entry for one href. A missing or corrupt
// entry restarts the chain from a random seed, which forces clients that
// remembered the old chain to resynchronize.
func (c *collection) readHistory(href string) historyEntry {
	data, err := os.ReadFile(filepath.Join(c.cacheDir(historyDir), href))
	if err == nil {
		var e historyEntry
		if json.Unmarshal(data, &e) == nil && e.HistoryEtag != "" {
			return e
		}
	}
	return historyEntry{HistoryEtag: etag.FromText(uuid.NewString())}
}

// trackedHrefs lists every href with a history entry, live or deleted.
func (c *collection) trackedHrefs() ([]string, error) {
	entries, err := os.ReadDir(c.cacheDir(historyDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vdir - trackedHrefs - os.ReadDir: %w", err)
	}
	hrefs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if isSafeComponent(entry.Name()) {
			hrefs = append(hrefs, entry.Name())
		}
	}
	return hrefs, nil
}

// expireHistory drops chain entries of items deleted longer than maxAge
// ago. Clients holding a token older than that get a resync instead of a
// diff.
func (c *collection) expireHistory(maxAge time.Duration) error {
	dir := c.cacheDir(historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vdir - expireHistory - os.ReadDir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		href := entry.Name()
		if _, err := os.Stat(c.itemPath(href)); err == nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, href)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("vdir - expireHistory - os.Remove: %w", err)
			}
		}
	}
	return nil
}
