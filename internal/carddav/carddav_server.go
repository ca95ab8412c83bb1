// Package carddav adapts the storage engine to the go-webdav CardDAV
// backend interface: address books are tagged leaf collections under the
// principal's address book home set, address objects are items.
package carddav

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
	"github.com/Raimguhinov/davfs-go/pkg/storelock"
	"github.com/ceres919/go-webdav"
	"github.com/ceres919/go-webdav/carddav"
	"github.com/emersion/go-vcard"
	"github.com/google/uuid"
)

const (
	metaTag         = "tag"
	metaName        = "displayname"
	metaDescription = "description"
)

type carddavServer struct {
	webdav.UserPrincipalBackend
	prefix string
	store  storage.Storage
	logger *logger.Logger
}

func New(
	upBackend webdav.UserPrincipalBackend,
	prefix string,
	store storage.Storage,
	l *logger.Logger,
) (carddav.Backend, error) {
	return &carddavServer{
		UserPrincipalBackend: upBackend,
		prefix:               prefix,
		store:                store,
		logger:               l,
	}, nil
}

func (s *carddavServer) AddressBookHomeSetPath(ctx context.Context) (string, error) {
	upPath, err := s.CurrentUserPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(upPath, s.prefix) + "/", nil
}

func (s *carddavServer) withLock(mode storelock.Mode, fn func() error) error {
	release, err := s.store.AcquireLock(mode)
	if err != nil {
		return err
	}
	ferr := fn()
	rerr := release()
	if ferr != nil {
		return ferr
	}
	return rerr
}

func (s *carddavServer) collectionPath(ctx context.Context, urlPath string) (string, error) {
	homeSet, err := s.AddressBookHomeSetPath(ctx)
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(strings.Trim(urlPath, "/"), strings.Trim(homeSet, "/"))
	return path.Join(s.prefix, strings.Trim(rel, "/")), nil
}

func (s *carddavServer) urlPath(ctx context.Context, colPath string) (string, error) {
	homeSet, err := s.AddressBookHomeSetPath(ctx)
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(colPath, s.prefix)
	return path.Join(homeSet, rel) + "/", nil
}

func (s *carddavServer) addressBookAt(ctx context.Context, col storage.Collection) (*carddav.AddressBook, error) {
	meta, err := col.GetMeta()
	if err != nil {
		return nil, err
	}
	if item.Tag(meta[metaTag]) != item.TagAddressBook {
		return nil, fmt.Errorf("%w: address book %q", storage.ErrNotFound, col.Path())
	}
	urlPath, err := s.urlPath(ctx, col.Path())
	if err != nil {
		return nil, err
	}
	ab := &carddav.AddressBook{
		Path:        urlPath,
		Name:        meta[metaName],
		Description: meta[metaDescription],
	}
	if ab.Name == "" {
		ab.Name = path.Base(col.Path())
	}
	return ab, nil
}

func (s *carddavServer) CreateDefaultAddressBook(ctx context.Context) (*carddav.AddressBook, error) {
	ab := &carddav.AddressBook{
		Name:        "Contacts",
		Description: "Default addressbook",
	}
	if err := s.CreateAddressBook(ctx, ab); err != nil {
		return nil, err
	}
	return ab, nil
}

func (s *carddavServer) CreateAddressBook(ctx context.Context, addressBook *carddav.AddressBook) error {
	colPath := ""
	var err error
	if addressBook.Path != "" {
		colPath, err = s.collectionPath(ctx, addressBook.Path)
		if err != nil {
			return err
		}
	} else {
		colPath = path.Join(s.prefix, uuid.NewString())
	}

	props := map[string]string{
		metaTag:  string(item.TagAddressBook),
		metaName: addressBook.Name,
	}
	if addressBook.Description != "" {
		props[metaDescription] = addressBook.Description
	}

	err = s.withLock(storelock.Write, func() error {
		_, err := s.store.CreateCollection(colPath, props, nil)
		return err
	})
	if err != nil {
		return err
	}
	urlPath, err := s.urlPath(ctx, colPath)
	if err != nil {
		return err
	}
	addressBook.Path = urlPath
	return nil
}

func (s *carddavServer) ListAddressBooks(ctx context.Context) ([]carddav.AddressBook, error) {
	var books []carddav.AddressBook
	err := s.withLock(storelock.Read, func() error {
		return s.store.Discover(s.prefix, "1", func(res storage.Resource) bool {
			if res.Collection == nil || res.Collection.Path() == s.prefix {
				return true
			}
			ab, err := s.addressBookAt(ctx, res.Collection)
			if err != nil {
				return true
			}
			books = append(books, *ab)
			return true
		})
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(books) == 0 {
		defaultAB, err := s.CreateDefaultAddressBook(ctx)
		if err != nil {
			return nil, err
		}
		return []carddav.AddressBook{*defaultAB}, nil
	}
	return books, nil
}

func (s *carddavServer) GetAddressBook(ctx context.Context, urlPath string) (*carddav.AddressBook, error) {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	var ab *carddav.AddressBook
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		ab, err = s.addressBookAt(ctx, col)
		return err
	})
	return ab, err
}

func (s *carddavServer) DeleteAddressBook(ctx context.Context, urlPath string) error {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return err
	}
	return s.withLock(storelock.Write, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		return col.Delete("")
	})
}

func (s *carddavServer) object(urlPath string, it *item.Item) (*carddav.AddressObject, error) {
	card, err := it.CardData()
	if err != nil {
		return nil, err
	}
	return &carddav.AddressObject{
		Path:          urlPath,
		ContentLength: int64(len(it.Bytes())),
		ETag:          it.ETag(),
		ModTime:       it.ModTime,
		Card:          card,
	}, nil
}

func (s *carddavServer) GetAddressObject(
	ctx context.Context,
	urlPath string,
	req *carddav.AddressDataRequest,
) (*carddav.AddressObject, error) {
	dir, href := path.Split(urlPath)
	colPath, err := s.collectionPath(ctx, dir)
	if err != nil {
		return nil, err
	}
	var obj *carddav.AddressObject
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		it, err := col.Get(href)
		if err != nil {
			return err
		}
		obj, err = s.object(urlPath, it)
		return err
	})
	return obj, err
}

func (s *carddavServer) ListAddressObjects(
	ctx context.Context,
	urlPath string,
	req *carddav.AddressDataRequest,
) ([]carddav.AddressObject, error) {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	var objs []carddav.AddressObject
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		items, err := col.GetAll()
		if err != nil {
			return err
		}
		for _, it := range items {
			obj, err := s.object(path.Join(urlPath, it.Href), it)
			if err != nil {
				return err
			}
			objs = append(objs, *obj)
		}
		return nil
	})
	return objs, err
}

// QueryAddressObjects lists the address book and applies the library's
// addressbook-query matcher; contact collections have no time dimension
// for the engine's prefilter to narrow on.
func (s *carddavServer) QueryAddressObjects(
	ctx context.Context,
	urlPath string,
	query *carddav.AddressBookQuery,
) ([]carddav.AddressObject, error) {
	objs, err := s.ListAddressObjects(ctx, urlPath, nil)
	if err != nil {
		return nil, err
	}
	return carddav.Filter(query, objs)
}

func (s *carddavServer) PutAddressObject(
	ctx context.Context,
	urlPath string,
	card vcard.Card,
	opts *carddav.PutAddressObjectOptions,
) (*carddav.AddressObject, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := vcard.NewEncoder(w).Encode(card); err != nil {
		return nil, fmt.Errorf("carddav - PutAddressObject - Encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("carddav - PutAddressObject - Flush: %w", err)
	}

	dir, href := path.Split(urlPath)
	colPath, err := s.collectionPath(ctx, dir)
	if err != nil {
		return nil, err
	}

	var obj *carddav.AddressObject
	err = s.withLock(storelock.Write, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		it, err := item.Parse(buf.Bytes(), item.TagAddressBook, nil)
		if err != nil {
			return err
		}
		items, err := col.GetAll()
		if err != nil {
			return err
		}
		for _, other := range items {
			if other.UID == it.UID && other.Href != href {
				return fmt.Errorf("%w: UID %q already used by %q", storage.ErrConflict, it.UID, other.Href)
			}
		}
		it, err = col.Upload(href, it)
		if err != nil {
			return err
		}
		obj, err = s.object(urlPath, it)
		return err
	})
	return obj, err
}

func (s *carddavServer) DeleteAddressObject(ctx context.Context, urlPath string) error {
	dir, href := path.Split(urlPath)
	colPath, err := s.collectionPath(ctx, dir)
	if err != nil {
		return err
	}
	return s.withLock(storelock.Write, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		return col.Delete(href)
	})
}

func (s *carddavServer) GetPrivileges(ctx context.Context) []string {
	return []string{"all", "read", "write", "write-properties", "write-content", "unlock", "bind", "unbind", "write-acl", "read-acl", "read-current-user-privilege-set"}
}

func (s *carddavServer) GetAddressBookPrivileges(ctx context.Context, ab *carddav.AddressBook) []string {
	return []string{"all", "read", "write", "write-properties", "write-content", "unlock", "bind", "unbind", "write-acl", "read-acl", "read-current-user-privilege-set"}
}
