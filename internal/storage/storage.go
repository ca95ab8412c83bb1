// Package storage defines the contracts between the persistence engine and
// its consumers: the Collection and Storage interfaces, the error taxonomy
// and the engine configuration. Concrete backends live in subpackages.
package storage

import (
	"time"

	"github.com/Raimguhinov/davfs-go/internal/filter"
	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/pkg/storelock"
)

// Config carries the explicit engine configuration; there is no hidden
// process-wide state.
type Config struct {
	// Root is the folder holding the collection tree and the lock file.
	Root string
	// CacheRoot optionally redirects the cache subtrees to a separate
	// (typically faster) tier. Empty keeps caches next to the items.
	CacheRoot string
	// Fsync gates fsync calls on writes: durability vs. throughput.
	Fsync bool
	// Hook is an external command run after each released write lock.
	Hook string
	// MaxSyncAge bounds retention of history entries for deleted items.
	MaxSyncAge time.Duration
	// InProcessLock replaces the lock file with an in-process
	// readers/writer primitive for single-process deployments.
	InProcessLock bool
}

// Resource is one discovered node: either a collection or an item.
type Resource struct {
	Collection Collection
	Item       *item.Item
}

// Collection is one path of the tree. Only leaf collections (those with a
// tag) hold items.
type Collection interface {
	// Path is the slash-separated collection path, no surrounding slashes.
	Path() string
	// Tag returns the reserved "tag" metadata key: VCALENDAR,
	// VADDRESSBOOK, or empty for a plain grouping collection.
	Tag() (item.Tag, error)

	Get(href string) (*item.Item, error)
	// GetMulti resolves several hrefs with a single directory listing;
	// missing hrefs yield nil entries.
	GetMulti(hrefs []string) ([]*item.Item, error)
	GetAll() ([]*item.Item, error)
	// GetFiltered applies the cheap prefilter and streams the selected
	// items. exact=false means the caller must still run the full filter
	// over the item. Returning false stops the stream.
	GetFiltered(filters []filter.CompFilter, fn func(it *item.Item, exact bool) bool) error

	// HasUID reports whether any live item carries the UID. Uniqueness is
	// enforced by callers before Upload/Move.
	HasUID(uid string) (bool, error)

	Upload(href string, it *item.Item) (*item.Item, error)
	// Delete removes one item, or the whole collection when href is empty.
	Delete(href string) error

	GetMeta() (map[string]string, error)
	SetMeta(props map[string]string) error

	// Sync returns a new token and the hrefs changed since oldToken
	// (empty oldToken means "everything").
	Sync(oldToken string) (token string, changed []string, err error)
	// Clean expires history entries of long-deleted items and sweeps
	// stale cache entries.
	Clean(maxAge time.Duration) error
}

// Storage is the collection factory and root lock owner.
type Storage interface {
	// Discover yields the addressed collection or item first, then (for
	// depth != "0") its direct children. Returning false stops the walk.
	Discover(path, depth string, fn func(Resource) bool) error
	GetCollection(path string) (Collection, error)
	// CreateCollection builds the collection in a temporary location and
	// atomically swaps it into place. A nil props map keeps an existing
	// collection's metadata.
	CreateCollection(path string, props map[string]string, items []*item.Item) (Collection, error)
	// Move renames an item, possibly across collections, updating caches
	// and history on both sides.
	Move(from Collection, href string, to Collection, toHref string) error

	// AcquireLock brackets multi-step operations. All mutation happens
	// under Write; consistent multi-item reads under Read.
	AcquireLock(mode storelock.Mode) (release func() error, err error)

	// Verify re-parses the whole store and returns the number of broken
	// items found.
	Verify() (int, error)

	Close() error
}
