package vdir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/atomicfile"
)

const syncTokenPrefix = "davfs-sync/"

var syncTokenRe = regexp.MustCompile(`^davfs-sync/[0-9a-f]{64}$`)

// Sync computes the current collection state (history etag per tracked
// href), persists it as a snapshot keyed by its own hash, and diffs it
// against the snapshot behind oldToken. An empty oldToken reports every
// tracked href as changed. Tokens are idempotent: syncing twice without
// writes in between returns the same token and no changes.
func (c *collection) Sync(oldToken string) (string, []string, error) {
	oldName := ""
	if oldToken != "" {
		if !syncTokenRe.MatchString(oldToken) {
			return "", nil, fmt.Errorf("%w: %q", storage.ErrTokenMalformed, oldToken)
		}
		oldName = strings.TrimPrefix(oldToken, syncTokenPrefix)
	}

	// Retention is bounded opportunistically: syncing is the only moment a
	// stale deletion record could still matter.
	if age := c.s.cfg.MaxSyncAge; age > 0 {
		if err := c.Clean(age); err != nil {
			c.debugf("vdir.Sync", err)
		}
	}

	state, err := c.syncState()
	if err != nil {
		return "", nil, err
	}

	hrefs := make([]string, 0, len(state))
	for href := range state {
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)

	h := sha256.New()
	for _, href := range hrefs {
		h.Write([]byte(href))
		h.Write([]byte{'/'})
		h.Write([]byte(state[href]))
		h.Write([]byte{'\n'})
	}
	newName := hex.EncodeToString(h.Sum(nil))
	newToken := syncTokenPrefix + newName

	if oldName == newName {
		return newToken, nil, nil
	}

	c.storeSnapshot(newName, state)

	if oldToken == "" {
		return newToken, hrefs, nil
	}

	oldState, err := c.loadSnapshot(oldName)
	if err != nil {
		return "", nil, err
	}
	var changed []string
	for href, hist := range state {
		if oldState[href] != hist {
			changed = append(changed, href)
		}
	}
	for href, hist := range oldState {
		if _, ok := state[href]; !ok && hist != "" {
			changed = append(changed, href)
		}
	}
	sort.Strings(changed)
	return newToken, changed, nil
}

// syncState maps every tracked href to its current history etag, advancing
// the chains of live items and of recorded deletions.
func (c *collection) syncState() (map[string]string, error) {
	state := map[string]string{}
	err := c.forEach(func(it *item.Item) bool {
		state[it.Href] = c.touchHistory(it.Href, it)
		return true
	})
	if err != nil {
		return nil, err
	}
	tracked, err := c.trackedHrefs()
	if err != nil {
		return nil, err
	}
	for _, href := range tracked {
		if _, ok := state[href]; ok {
			continue
		}
		state[href] = c.touchHistory(href, nil)
	}
	return state, nil
}

// storeSnapshot is best effort like the item cache: a lost snapshot only
// downgrades a future diff into a resync.
func (c *collection) storeSnapshot(name string, state map[string]string) {
	dir := c.cacheDir(cacheTokenDir)
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err == nil {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.debugf("vdir.storeSnapshot", err)
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		c.debugf("vdir.storeSnapshot", err)
		return
	}
	if err := atomicfile.WriteFile(p, data, 0o600, false); err != nil {
		c.debugf("vdir.storeSnapshot", err)
	}
}

// loadSnapshot resolves a well-formed token name to its persisted state. A
// missing or unreadable snapshot means the token is stale or from another
// store and the client must resynchronize.
func (c *collection) loadSnapshot(name string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(c.cacheDir(cacheTokenDir), name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s%s", storage.ErrTokenUnknown, syncTokenPrefix, name)
	}
	state := map[string]string{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s%s", storage.ErrTokenUnknown, syncTokenPrefix, name)
	}
	return state, nil
}
