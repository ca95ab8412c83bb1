package vdir

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/atomicfile"
)

// CreateCollection builds the collection in a temporary sibling directory
// and swaps it into place, so a crash mid-create never leaves a
// half-populated collection. A nil props map creates (or keeps) a plain
// collection without touching existing metadata.
func (s *Storage) CreateCollection(p string, props map[string]string, items []*item.Item) (storage.Collection, error) {
	p, err := sanitizePath(p)
	if err != nil {
		return nil, err
	}
	if err := checkTag(props); err != nil {
		return nil, err
	}
	s.logger.Debug("vdir.CreateCollection", slog.String("path", p), slog.Int("items", len(items)))

	fs := s.fsPath(p)
	if props == nil {
		if len(items) != 0 {
			return nil, fmt.Errorf("%w: items need a tagged collection", storage.ErrUnsupportedTag)
		}
		if err := os.MkdirAll(fs, 0o700); err != nil {
			return nil, fmt.Errorf("vdir - CreateCollection - os.MkdirAll: %w", err)
		}
		return &collection{s: s, path: p}, nil
	}

	tag := item.Tag(props["tag"])
	if len(items) != 0 && tag == "" {
		return nil, fmt.Errorf("%w: items need a tagged collection", storage.ErrUnsupportedTag)
	}
	if p == "" {
		return nil, fmt.Errorf("%w: the root collection cannot carry a tag", storage.ErrUnsupportedTag)
	}

	parent := filepath.Dir(fs)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return nil, fmt.Errorf("vdir - CreateCollection - os.MkdirAll: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, tmpPrefix)
	if err != nil {
		return nil, fmt.Errorf("vdir - CreateCollection - os.MkdirTemp: %w", err)
	}
	defer os.RemoveAll(tmp)

	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("vdir - CreateCollection - json.Marshal: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(tmp, propsFileName), data, 0o600, s.cfg.Fsync); err != nil {
		return nil, err
	}

	for _, it := range items {
		href := it.Href
		if href == "" {
			href = it.UID + itemExt(tag)
		}
		if !isSafeComponent(href) {
			return nil, fmt.Errorf("%w: %q", storage.ErrBadHref, href)
		}
		if err := atomicfile.WriteFile(filepath.Join(tmp, href), it.Bytes(), 0o600, s.cfg.Fsync); err != nil {
			return nil, err
		}
	}

	if err := atomicfile.ReplaceDir(tmp, fs, s.cfg.Fsync); err != nil {
		return nil, err
	}
	return &collection{s: s, path: p}, nil
}

func itemExt(tag item.Tag) string {
	if tag == item.TagAddressBook {
		return ".vcf"
	}
	return ".ics"
}
