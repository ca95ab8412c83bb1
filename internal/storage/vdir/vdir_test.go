package vdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/filter"
	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
	"github.com/Raimguhinov/davfs-go/pkg/storelock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, cfg storage.Config) *Storage {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	cfg.InProcessLock = true
	s, err := New(cfg, logger.New("error", "prod"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCalendar(t *testing.T, s *Storage, path string) storage.Collection {
	t.Helper()
	col, err := s.CreateCollection(path, map[string]string{"tag": "VCALENDAR"}, nil)
	require.NoError(t, err)
	return col
}

func ics(lines ...string) []byte {
	all := append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
	}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func eventItem(t *testing.T, uid, day string) *item.Item {
	t.Helper()
	it, err := item.Parse(ics(
		"BEGIN:VEVENT",
		"UID:"+uid,
		"SUMMARY:Event "+uid,
		"DTSTART:"+day+"T120000Z",
		"DTEND:"+day+"T130000Z",
		"END:VEVENT",
	), item.TagCalendar, nil)
	require.NoError(t, err)
	return it
}

func TestUpload_GetRoundtrip(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	up, err := col.Upload("e1.ics", eventItem(t, "uid-1", "20130901"))
	require.NoError(t, err)
	assert.Equal(t, "e1.ics", up.Href)
	assert.False(t, up.ModTime.IsZero())

	got, err := col.Get("e1.ics")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", got.UID)
	assert.Equal(t, "VEVENT", got.Kind)
	assert.Equal(t, up.ETag(), got.ETag())
}

func TestGet_ETagStableAcrossCacheRebuild(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	up, err := col.Upload("e1.ics", eventItem(t, "uid-1", "20130901"))
	require.NoError(t, err)
	want := up.ETag()

	// Wipe the cache; the re-parse must produce the same fingerprint.
	require.NoError(t, os.RemoveAll(s.cacheBase("calendars/work")))

	got, err := col.Get("e1.ics")
	require.NoError(t, err)
	assert.Equal(t, want, got.ETag())
}

func TestGet_CacheInvalidatedByExternalWrite(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	up, err := col.Upload("e1.ics", eventItem(t, "uid-1", "20130901"))
	require.NoError(t, err)

	// Another process rewrites the file directly.
	other := eventItem(t, "uid-1", "20131225")
	require.NoError(t, os.WriteFile(s.fsPath("calendars/work")+"/e1.ics", other.Bytes(), 0o600))

	got, err := col.Get("e1.ics")
	require.NoError(t, err)
	assert.NotEqual(t, up.ETag(), got.ETag())
	start, _ := got.TimeRange()
	dec, _ := time.Parse("20060102T150405Z", "20131225T120000Z")
	assert.Equal(t, dec.Unix(), start)
}

func TestGet_Errors(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Get("missing.ics")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = col.Get(".davfs.props")
	require.ErrorIs(t, err, storage.ErrBadHref)

	_, err = col.Get("../escape.ics")
	require.ErrorIs(t, err, storage.ErrBadHref)
}

func TestGet_BrokenItemSurfacesInvalid(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	require.NoError(t, os.WriteFile(s.fsPath("calendars/work")+"/bad.ics", []byte("not a calendar"), 0o600))
	_, err := col.Get("bad.ics")
	require.ErrorIs(t, err, item.ErrInvalid)
}

func TestGetMulti_MissingYieldNil(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)
	_, err = col.Upload("c.ics", eventItem(t, "uid-c", "20130903"))
	require.NoError(t, err)

	items, err := col.GetMulti([]string{"a.ics", "b.ics", "c.ics"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "uid-a", items[0].UID)
	assert.Nil(t, items[1])
	assert.Equal(t, "uid-c", items[2].UID)
}

func TestGetAll_SkipsSidecarState(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)
	_, err = col.Upload("b.ics", eventItem(t, "uid-b", "20130902"))
	require.NoError(t, err)

	items, err := col.GetAll()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a.ics", items[0].Href)
	assert.Equal(t, "b.ics", items[1].Href)
}

func TestGetFiltered_UsesPrefilter(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("sep.ics", eventItem(t, "uid-sep", "20130901"))
	require.NoError(t, err)
	_, err = col.Upload("dec.ics", eventItem(t, "uid-dec", "20131201"))
	require.NoError(t, err)

	start, _ := time.Parse("20060102T150405Z", "20130801T000000Z")
	end, _ := time.Parse("20060102T150405Z", "20131001T000000Z")
	filters := []filter.CompFilter{{
		Name: "VCALENDAR",
		CompFilters: []filter.CompFilter{{
			Name:      "VEVENT",
			TimeRange: &filter.TimeRange{Start: start.Unix(), End: end.Unix()},
		}},
	}}

	var hrefs []string
	err = col.GetFiltered(filters, func(it *item.Item, exact bool) bool {
		assert.True(t, exact)
		hrefs = append(hrefs, it.Href)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sep.ics"}, hrefs)
}

func TestGetFiltered_RecurrenceGapIsNotExact(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	it, err := item.Parse(ics(
		"BEGIN:VEVENT",
		"UID:gap",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T130000Z",
		"RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=2",
		"END:VEVENT",
	), item.TagCalendar, nil)
	require.NoError(t, err)
	_, err = col.Upload("rec.ics", it)
	require.NoError(t, err)

	// A window between the two occurrences overlaps the enclosing range,
	// so the item is yielded, but only for the full filter pass to reject.
	start, _ := time.Parse("20060102T150405Z", "20130903T000000Z")
	end, _ := time.Parse("20060102T150405Z", "20130904T000000Z")
	filters := []filter.CompFilter{{
		Name: "VCALENDAR",
		CompFilters: []filter.CompFilter{{
			Name:      "VEVENT",
			TimeRange: &filter.TimeRange{Start: start.Unix(), End: end.Unix()},
		}},
	}}

	yielded := 0
	err = col.GetFiltered(filters, func(got *item.Item, exact bool) bool {
		yielded++
		assert.False(t, exact)
		ok, merr := filter.Match(got, filters)
		require.NoError(t, merr)
		assert.False(t, ok)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, yielded)
}

func TestHasUID(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)

	ok, err := col.HasUID("uid-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = col.HasUID("uid-z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_ItemAndCollection(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)

	require.NoError(t, col.Delete("a.ics"))
	_, err = col.Get("a.ics")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.ErrorIs(t, col.Delete("a.ics"), storage.ErrNotFound)

	require.NoError(t, col.Delete(""))
	_, err = s.GetCollection("calendars/work")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMeta_Roundtrip(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	meta, err := col.GetMeta()
	require.NoError(t, err)
	assert.Equal(t, "VCALENDAR", meta["tag"])

	meta["displayname"] = "Work"
	require.NoError(t, col.SetMeta(meta))

	again, err := col.GetMeta()
	require.NoError(t, err)
	assert.Equal(t, "Work", again["displayname"])

	tag, err := col.Tag()
	require.NoError(t, err)
	assert.Equal(t, item.TagCalendar, tag)

	err = col.SetMeta(map[string]string{"tag": "VGARBAGE"})
	require.ErrorIs(t, err, storage.ErrUnsupportedTag)
}

func TestCreateCollection_WithItems(t *testing.T) {
	s := newStore(t, storage.Config{})

	items := []*item.Item{
		eventItem(t, "uid-a", "20130901"),
		eventItem(t, "uid-b", "20130902"),
	}
	col, err := s.CreateCollection("calendars/new", map[string]string{"tag": "VCALENDAR"}, items)
	require.NoError(t, err)

	all, err := col.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Items without an href are stored under <UID>.ics.
	assert.Equal(t, "uid-a.ics", all[0].Href)

	// No temporary build directories survive.
	entries, err := os.ReadDir(s.fsPath("calendars"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Name())
}

func TestCreateCollection_ReplacesAtomically(t *testing.T) {
	s := newStore(t, storage.Config{})

	_, err := s.CreateCollection("calendars/c", map[string]string{"tag": "VCALENDAR"},
		[]*item.Item{eventItem(t, "uid-old", "20130901")})
	require.NoError(t, err)

	col, err := s.CreateCollection("calendars/c", map[string]string{"tag": "VCALENDAR"},
		[]*item.Item{eventItem(t, "uid-new", "20130902")})
	require.NoError(t, err)

	all, err := col.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "uid-new", all[0].UID)

	entries, err := os.ReadDir(s.fsPath("calendars"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCreateCollection_Validation(t *testing.T) {
	s := newStore(t, storage.Config{})

	_, err := s.CreateCollection("x", map[string]string{"tag": "VGARBAGE"}, nil)
	require.ErrorIs(t, err, storage.ErrUnsupportedTag)

	_, err = s.CreateCollection("x", nil, []*item.Item{eventItem(t, "u", "20130901")})
	require.ErrorIs(t, err, storage.ErrUnsupportedTag)

	_, err = s.CreateCollection("a/../b", map[string]string{"tag": "VCALENDAR"}, nil)
	require.ErrorIs(t, err, storage.ErrBadHref)

	// A nil props map makes plain nested collections.
	col, err := s.CreateCollection("plain/nested", nil, nil)
	require.NoError(t, err)
	tag, err := col.Tag()
	require.NoError(t, err)
	assert.Empty(t, tag)
}

func TestDiscover_CollectionFirstThenChildren(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")
	newCalendar(t, s, "calendars/home")

	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)

	var got []string
	err = s.Discover("calendars", "1", func(res storage.Resource) bool {
		if res.Collection != nil {
			got = append(got, "col:"+res.Collection.Path())
		} else {
			got = append(got, "item:"+res.Item.Href)
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"col:calendars", "col:calendars/home", "col:calendars/work"}, got)

	got = nil
	err = s.Discover("calendars/work", "1", func(res storage.Resource) bool {
		if res.Collection != nil {
			got = append(got, "col:"+res.Collection.Path())
		} else {
			got = append(got, "item:"+res.Item.Href)
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"col:calendars/work", "item:a.ics"}, got)
}

func TestDiscover_DepthZeroAndItemPath(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")
	_, err := col.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)

	n := 0
	err = s.Discover("calendars/work", "0", func(res storage.Resource) bool {
		n++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var item0 string
	err = s.Discover("calendars/work/a.ics", "0", func(res storage.Resource) bool {
		if res.Item != nil {
			item0 = res.Item.UID
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "uid-a", item0)
}

func TestMove_AcrossCollections(t *testing.T) {
	s := newStore(t, storage.Config{})
	src := newCalendar(t, s, "calendars/src")
	dst := newCalendar(t, s, "calendars/dst")

	up, err := src.Upload("a.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)

	require.NoError(t, s.Move(src, "a.ics", dst, "b.ics"))

	_, err = src.Get("a.ics")
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := dst.Get("b.ics")
	require.NoError(t, err)
	assert.Equal(t, "uid-a", got.UID)
	assert.Equal(t, up.ETag(), got.ETag())

	require.ErrorIs(t, s.Move(src, "a.ics", dst, "c.ics"), storage.ErrNotFound)
}

func TestVerify_CountsBrokenItems(t *testing.T) {
	s := newStore(t, storage.Config{})
	col := newCalendar(t, s, "calendars/work")

	_, err := col.Upload("good.ics", eventItem(t, "uid-a", "20130901"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.fsPath("calendars/work")+"/bad.ics", []byte("garbage"), 0o600))
	// A file outside any tagged collection is broken too.
	require.NoError(t, os.WriteFile(s.fsPath("calendars")+"/stray.txt", []byte("x"), 0o600))

	broken, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, broken)
}

func TestAcquireLock_RunsHookAfterWriteRelease(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	s := newStore(t, storage.Config{
		Root: dir,
		Hook: "touch " + marker,
	})

	release, err := s.AcquireLock(storelock.Write)
	require.NoError(t, err)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "hook must not run before release")

	require.NoError(t, release())
	_, statErr = os.Stat(marker)
	assert.NoError(t, statErr)

	// Read locks never trigger the hook.
	require.NoError(t, os.Remove(marker))
	release, err = s.AcquireLock(storelock.Read)
	require.NoError(t, err)
	require.NoError(t, release())
	_, statErr = os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquireLock_HookFailureSurfaces(t *testing.T) {
	s := newStore(t, storage.Config{Hook: "exit 3"})

	release, err := s.AcquireLock(storelock.Write)
	require.NoError(t, err)
	require.Error(t, release())
}
