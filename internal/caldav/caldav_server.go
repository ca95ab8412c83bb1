// Package caldav adapts the storage engine to the go-webdav CalDAV backend
// interface: calendars are tagged leaf collections under the principal's
// calendar home set, calendar objects are items.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/Raimguhinov/davfs-go/internal/filter"
	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
	"github.com/Raimguhinov/davfs-go/pkg/storelock"
	"github.com/ceres919/go-webdav"
	"github.com/ceres919/go-webdav/caldav"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// Collection metadata keys the adapter maps to DAV properties.
const (
	metaTag         = "tag"
	metaName        = "displayname"
	metaDescription = "description"
	metaMaxSize     = "max-resource-size"
	metaComponents  = "supported-component-set"
)

type backend struct {
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
) (caldav.Backend, error) {
	return &backend{
		UserPrincipalBackend: upBackend,
		prefix:               prefix,
		store:                store,
		logger:               l,
	}, nil
}

func (s *backend) CalendarHomeSetPath(ctx context.Context) (string, error) {
	upPath, err := s.CurrentUserPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(upPath, s.prefix) + "/", nil
}

// withLock brackets one backend operation with the store lock; a release
// (and post-write hook) failure surfaces only when the operation itself
// succeeded.
func (s *backend) withLock(mode storelock.Mode, fn func() error) error {
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

// collectionPath maps a URL under the home set to the storage path, which
// keeps the prefix so calendars and address books never collide.
func (s *backend) collectionPath(ctx context.Context, urlPath string) (string, error) {
	homeSet, err := s.CalendarHomeSetPath(ctx)
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(strings.Trim(urlPath, "/"), strings.Trim(homeSet, "/"))
	return path.Join(s.prefix, strings.Trim(rel, "/")), nil
}

// urlPath is the inverse of collectionPath.
func (s *backend) urlPath(ctx context.Context, colPath string) (string, error) {
	homeSet, err := s.CalendarHomeSetPath(ctx)
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(colPath, s.prefix)
	return path.Join(homeSet, rel) + "/", nil
}

func (s *backend) CreateCalendar(ctx context.Context, calendar *caldav.Calendar) error {
	colPath := ""
	var err error
	if calendar.Path != "" {
		colPath, err = s.collectionPath(ctx, calendar.Path)
	} else {
		colPath = path.Join(s.prefix, uuid.NewString())
	}
	if err != nil {
		return err
	}

	components := calendar.SupportedComponentSet
	if len(components) == 0 {
		components = []string{"VEVENT", "VTODO", "VJOURNAL"}
	}
	props := map[string]string{
		metaTag:        string(item.TagCalendar),
		metaName:       calendar.Name,
		metaComponents: strings.Join(components, ","),
	}
	if calendar.Description != "" {
		props[metaDescription] = calendar.Description
	}
	if calendar.MaxResourceSize > 0 {
		props[metaMaxSize] = strconv.FormatInt(calendar.MaxResourceSize, 10)
	}

	return s.withLock(storelock.Write, func() error {
		_, err := s.store.CreateCollection(colPath, props, nil)
		return err
	})
}

func (s *backend) calendarAt(ctx context.Context, col storage.Collection) (*caldav.Calendar, error) {
	meta, err := col.GetMeta()
	if err != nil {
		return nil, err
	}
	if item.Tag(meta[metaTag]) != item.TagCalendar {
		return nil, fmt.Errorf("%w: calendar %q", storage.ErrNotFound, col.Path())
	}
	urlPath, err := s.urlPath(ctx, col.Path())
	if err != nil {
		return nil, err
	}
	cal := &caldav.Calendar{
		Path:        urlPath,
		Name:        meta[metaName],
		Description: meta[metaDescription],
	}
	if cal.Name == "" {
		cal.Name = path.Base(col.Path())
	}
	if v := meta[metaComponents]; v != "" {
		cal.SupportedComponentSet = strings.Split(v, ",")
	}
	if v := meta[metaMaxSize]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cal.MaxResourceSize = n
		}
	}
	return cal, nil
}

func (s *backend) ListCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	var cals []caldav.Calendar
	err := s.withLock(storelock.Read, func() error {
		return s.store.Discover(s.prefix, "1", func(res storage.Resource) bool {
			if res.Collection == nil || res.Collection.Path() == s.prefix {
				return true
			}
			cal, err := s.calendarAt(ctx, res.Collection)
			if err != nil {
				return true
			}
			cals = append(cals, *cal)
			return true
		})
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return cals, err
}

func (s *backend) GetCalendar(ctx context.Context, urlPath string) (*caldav.Calendar, error) {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	var cal *caldav.Calendar
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		cal, err = s.calendarAt(ctx, col)
		return err
	})
	return cal, err
}

func (s *backend) DeleteCalendar(ctx context.Context, urlPath string) error {
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

func (s *backend) object(urlPath string, it *item.Item) (*caldav.CalendarObject, error) {
	cal, err := it.CalendarData()
	if err != nil {
		return nil, err
	}
	return &caldav.CalendarObject{
		Path:          urlPath,
		ContentLength: int64(len(it.Bytes())),
		ETag:          it.ETag(),
		ModTime:       it.ModTime,
		Data:          cal,
	}, nil
}

func (s *backend) GetCalendarObject(
	ctx context.Context,
	objPath string,
	req *caldav.CalendarCompRequest,
) (*caldav.CalendarObject, error) {
	dir, href := path.Split(objPath)
	colPath, err := s.collectionPath(ctx, dir)
	if err != nil {
		return nil, err
	}
	var obj *caldav.CalendarObject
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		it, err := col.Get(href)
		if err != nil {
			return err
		}
		obj, err = s.object(objPath, it)
		return err
	})
	return obj, err
}

func (s *backend) ListCalendarObjects(
	ctx context.Context,
	urlPath string,
	req *caldav.CalendarCompRequest,
) ([]caldav.CalendarObject, error) {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	var objs []caldav.CalendarObject
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

// QueryCalendarObjects pushes the calendar-query through the engine: the
// prefilter narrows on memoized kind and time range, and only inexact
// candidates get the full structural match.
func (s *backend) QueryCalendarObjects(
	ctx context.Context,
	urlPath string,
	query *caldav.CalendarQuery,
) ([]caldav.CalendarObject, error) {
	colPath, err := s.collectionPath(ctx, urlPath)
	if err != nil {
		return nil, err
	}
	filters := convertQuery(query)

	var objs []caldav.CalendarObject
	var matchErr error
	err = s.withLock(storelock.Read, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		return col.GetFiltered(filters, func(it *item.Item, exact bool) bool {
			if !exact {
				ok, err := filter.Match(it, filters)
				if err != nil {
					matchErr = err
					return false
				}
				if !ok {
					return true
				}
			}
			obj, err := s.object(path.Join(urlPath, it.Href), it)
			if err != nil {
				matchErr = err
				return false
			}
			objs = append(objs, *obj)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if matchErr != nil {
		return nil, matchErr
	}
	return objs, nil
}

func (s *backend) PutCalendarObject(
	ctx context.Context,
	objPath string,
	calendar *ical.Calendar,
	opts *caldav.PutCalendarObjectOptions,
) (*caldav.CalendarObject, error) {
	if _, _, err := caldav.ValidateCalendarObject(calendar); err != nil {
		return nil, caldav.NewPreconditionError(caldav.PreconditionValidCalendarObjectResource)
	}
	raw, err := encodeCalendar(calendar)
	if err != nil {
		return nil, err
	}

	dir, href := path.Split(objPath)
	colPath, err := s.collectionPath(ctx, dir)
	if err != nil {
		return nil, err
	}

	var obj *caldav.CalendarObject
	err = s.withLock(storelock.Write, func() error {
		col, err := s.store.GetCollection(colPath)
		if err != nil {
			return err
		}
		it, err := item.Parse(raw, item.TagCalendar, nil)
		if err != nil {
			return caldav.NewPreconditionError(caldav.PreconditionValidCalendarObjectResource)
		}
		if err := checkUIDConflict(col, href, it.UID); err != nil {
			return err
		}
		it, err = col.Upload(href, it)
		if err != nil {
			return err
		}
		obj, err = s.object(objPath, it)
		return err
	})
	return obj, err
}

// checkUIDConflict rejects an upload whose UID already belongs to a
// different href of the same collection.
func checkUIDConflict(col storage.Collection, href, uid string) error {
	items, err := col.GetAll()
	if err != nil {
		return err
	}
	for _, other := range items {
		if other.UID == uid && other.Href != href {
			return fmt.Errorf("%w: UID %q already used by %q", storage.ErrConflict, uid, other.Href)
		}
	}
	return nil
}

func (s *backend) DeleteCalendarObject(ctx context.Context, objPath string) error {
	dir, href := path.Split(objPath)
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

func (s *backend) GetPrivileges(ctx context.Context) []string {
	return []string{"all", "read", "write", "write-properties", "write-content", "unlock", "bind", "unbind", "write-acl", "read-acl", "read-current-user-privilege-set"}
}

func (s *backend) GetCalendarPrivileges(ctx context.Context, cal *caldav.Calendar) []string {
	return []string{"all", "read", "write", "write-properties", "write-content", "unlock", "bind", "unbind", "write-acl", "read-acl", "read-current-user-privilege-set"}
}
