package app

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/Raimguhinov/davfs-go/internal/config"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/internal/storage/vdir"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
)

// NewStorageFromURL picks the storage backend by URL scheme. file://<root>
// opens the filesystem store rooted at that directory.
func NewStorageFromURL(cfg *config.Config, l *logger.Logger) (storage.Storage, error) {
	u, err := url.Parse(cfg.Storage.URL)
	if err != nil {
		return nil, fmt.Errorf("app - NewStorageFromURL - url.Parse: %w", err)
	}
	switch u.Scheme {
	case "file":
		root := filepath.Join(u.Host, filepath.FromSlash(u.Path))
		return vdir.New(storage.Config{
			Root:          root,
			CacheRoot:     cfg.Storage.CacheRoot,
			Fsync:         cfg.Storage.Fsync,
			Hook:          cfg.Storage.Hook,
			MaxSyncAge:    cfg.Storage.MaxSyncAge,
			InProcessLock: cfg.Storage.InProcessLock,
		}, l)
	default:
		return nil, fmt.Errorf("app - NewStorageFromURL: unsupported storage scheme %q", u.Scheme)
	}
}
