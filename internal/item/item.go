// Package item decodes and encodes calendar and contact payloads and
// derives the attributes the storage engine indexes: UID, ETag, display
// name, primary component kind and the enclosing time range.
package item

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/usecase/etag"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
	"github.com/google/uuid"
)

// Tag identifies what a leaf collection stores.
type Tag string

const (
	TagCalendar    Tag = "VCALENDAR"
	TagAddressBook Tag = "VADDRESSBOOK"
)

// KindCard is the component kind of contact items; calendar items use their
// iCalendar component name (VEVENT, VTODO, ...).
const KindCard = "VCARD"

// ErrInvalid marks malformed or ambiguous item content. Callers reject the
// operation, never retry.
var ErrInvalid = errors.New("item: invalid content")

// uidAttempts bounds UID generation probing. Running out means broken
// entropy or a pathological exists-predicate, not a retry condition.
const uidAttempts = 32

// Item is one calendar object or contact, owned by exactly one collection.
// It is only ever replaced whole, never edited in place.
type Item struct {
	Href    string
	Raw     []byte
	UID     string
	Name    string
	Kind    string
	ModTime time.Time

	cal  *ical.Calendar
	card vcard.Card

	main      *ical.Component
	overrides []*ical.Component

	etagMemo  string
	rangeMemo *[2]int64
}

// FromCache rebuilds an item from memoized attributes. The structured
// object is decoded again only when something actually needs it.
func FromCache(href string, raw []byte, uid, name, kind string, modTime time.Time, start, end int64) *Item {
	return &Item{
		Href:      href,
		Raw:       raw,
		UID:       uid,
		Name:      name,
		Kind:      kind,
		ModTime:   modTime,
		rangeMemo: &[2]int64{start, end},
	}
}

// materialize decodes the raw text when the item was rebuilt from cached
// attributes only.
func (it *Item) materialize() error {
	if it.cal != nil || it.card != nil {
		return nil
	}
	if it.Kind == KindCard {
		card, err := vcard.NewDecoder(bytes.NewReader(it.Raw)).Decode()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		it.card = card
		return nil
	}
	cal, err := ical.NewDecoder(bytes.NewReader(it.Raw)).Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var comps []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			comps = append(comps, child)
		}
	}
	main, overrides, err := splitOverrides(comps)
	if err != nil {
		return err
	}
	it.cal, it.main, it.overrides = cal, main, overrides
	return nil
}

// CalendarData returns the decoded iCalendar object of a calendar item.
func (it *Item) CalendarData() (*ical.Calendar, error) {
	if err := it.materialize(); err != nil {
		return nil, err
	}
	if it.cal == nil {
		return nil, fmt.Errorf("%w: not a calendar item", ErrInvalid)
	}
	return it.cal, nil
}

// CardData returns the decoded vCard of a contact item.
func (it *Item) CardData() (vcard.Card, error) {
	if err := it.materialize(); err != nil {
		return nil, err
	}
	if it.card == nil {
		return nil, fmt.Errorf("%w: not a contact item", ErrInvalid)
	}
	return it.card, nil
}

// ETag returns the RFC 2616 quoted content fingerprint of the raw bytes.
func (it *Item) ETag() string {
	if it.etagMemo == "" {
		it.etagMemo = etag.FromData(it.Raw)
	}
	return it.etagMemo
}

// Bytes returns the canonical serialized text.
func (it *Item) Bytes() []byte {
	return it.Raw
}

// Parse decodes raw text into an Item. The expected collection tag selects
// the codec. uidTaken reports collection-wide UID collisions and is probed
// when a legally absent UID has to be generated; it may be nil.
func Parse(raw []byte, tag Tag, uidTaken func(string) bool) (*Item, error) {
	switch tag {
	case TagCalendar:
		return parseCalendar(raw, uidTaken)
	case TagAddressBook:
		return parseCard(raw, uidTaken)
	default:
		return nil, fmt.Errorf("%w: collection tag %q holds no items", ErrInvalid, tag)
	}
}

func parseCalendar(raw []byte, uidTaken func(string) bool) (*Item, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var comps []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			comps = append(comps, child)
		}
	}
	if len(comps) == 0 {
		return nil, fmt.Errorf("%w: no component", ErrInvalid)
	}

	kind := comps[0].Name
	uid := ""
	for _, comp := range comps {
		if comp.Name != kind {
			return nil, fmt.Errorf("%w: mixed component kinds %s and %s", ErrInvalid, kind, comp.Name)
		}
		if prop := comp.Props.Get(ical.PropUID); prop != nil {
			if uid != "" && prop.Value != uid {
				return nil, fmt.Errorf("%w: mixed UIDs in one object", ErrInvalid)
			}
			uid = prop.Value
		}
	}

	if uid == "" {
		uid, err = newUID(uidTaken)
		if err != nil {
			return nil, err
		}
		for _, comp := range comps {
			comp.Props.SetText(ical.PropUID, uid)
		}
	}

	// The encoder requires exactly one DTSTAMP per component; many clients
	// (and exported stores) omit it.
	now := time.Now().UTC()
	for _, comp := range comps {
		if comp.Props.Get(ical.PropDateTimeStamp) == nil {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, now)
		}
	}

	main, overrides, err := splitOverrides(comps)
	if err != nil {
		return nil, err
	}
	if err := sanitizeCalendar(comps); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return nil, fmt.Errorf("item - parseCalendar - Encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("item - parseCalendar - Flush: %w", err)
	}

	name := uid
	ref := main
	if ref == nil {
		ref = comps[0]
	}
	if summary, err := ref.Props.Text(ical.PropSummary); err == nil && summary != "" {
		name = summary
	}

	return &Item{
		Raw:       buf.Bytes(),
		UID:       uid,
		Name:      name,
		Kind:      kind,
		cal:       cal,
		main:      main,
		overrides: overrides,
	}, nil
}

// splitOverrides separates the RECURRENCE-ID overrides from the main
// component. At most one unguarded main component is accepted; with several
// candidates, a single one carrying the recurrence rule may be inferred.
func splitOverrides(comps []*ical.Component) (*ical.Component, []*ical.Component, error) {
	var main []*ical.Component
	var overrides []*ical.Component
	for _, comp := range comps {
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			overrides = append(overrides, comp)
		} else {
			main = append(main, comp)
		}
	}
	switch len(main) {
	case 0:
		return nil, overrides, nil
	case 1:
		return main[0], overrides, nil
	}

	var recurring []*ical.Component
	for _, comp := range main {
		if comp.Props.Get(ical.PropRecurrenceRule) != nil ||
			comp.Props.Get(ical.PropRecurrenceDates) != nil {
			recurring = append(recurring, comp)
		}
	}
	if len(recurring) != 1 {
		return nil, nil, fmt.Errorf("%w: several components without RECURRENCE-ID", ErrInvalid)
	}
	for _, comp := range main {
		if comp != recurring[0] {
			overrides = append(overrides, comp)
		}
	}
	return recurring[0], overrides, nil
}

// sanitizeCalendar normalizes known client quirks and validates recurrence
// rules before the object is accepted.
func sanitizeCalendar(comps []*ical.Component) error {
	for _, comp := range comps {
		if rr := comp.Props.Get(ical.PropRecurrenceRule); rr != nil {
			if _, err := parseRRule(rr.Value); err != nil {
				return fmt.Errorf("%w: bad RRULE %q: %v", ErrInvalid, rr.Value, err)
			}
			if comp.Props.Get(ical.PropDateTimeStart) == nil && comp.Name != ical.CompToDo {
				return fmt.Errorf("%w: RRULE without DTSTART", ErrInvalid)
			}
		}
		if comp.Name != ical.CompEvent {
			continue
		}
		// Some clients emit zero-length events as DTEND == DTSTART plus an
		// explicit zero duration; drop the redundant end so the default
		// point/day expansion applies.
		start := comp.Props.Get(ical.PropDateTimeStart)
		end := comp.Props.Get(ical.PropDateTimeEnd)
		if start != nil && end != nil && start.Value == end.Value {
			comp.Props.Del(ical.PropDateTimeEnd)
		}
		if dur := comp.Props.Get(ical.PropDuration); dur != nil {
			if d, err := parseDuration(dur.Value); err == nil && d == 0 {
				comp.Props.Del(ical.PropDuration)
			}
		}
	}
	return nil
}

func parseCard(raw []byte, uidTaken func(string) bool) (*Item, error) {
	card, err := vcard.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	vcard.ToV4(card)

	uid := card.Value(vcard.FieldUID)
	if uid == "" {
		uid, err = newUID(uidTaken)
		if err != nil {
			return nil, err
		}
		card.SetValue(vcard.FieldUID, uid)
	}

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("item - parseCard - Encode: %w", err)
	}

	name := card.Value(vcard.FieldFormattedName)
	if name == "" {
		name = uid
	}

	return &Item{
		Raw:  buf.Bytes(),
		UID:  uid,
		Name: name,
		Kind: KindCard,
		card: card,
	}, nil
}

// newUID generates a random UID, probing the exists-predicate a bounded
// number of times. Exhausting the attempts signals broken entropy and is
// fatal for the operation.
func newUID(uidTaken func(string) bool) (string, error) {
	for i := 0; i < uidAttempts; i++ {
		candidate := uuid.NewString()
		if uidTaken == nil || !uidTaken(candidate) {
			return candidate, nil
		}
	}
	return "", errors.New("item: could not generate a unique UID")
}

// SplitCollection explodes a whole-collection calendar payload into one
// item per UID group, carrying the shared timezones along. Used when a new
// collection is created from an exported calendar.
func SplitCollection(raw []byte) ([]*Item, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var timezones []*ical.Component
	groups := map[string][]*ical.Component{}
	var order []string
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			timezones = append(timezones, child)
			continue
		}
		uid, _ := child.Props.Text(ical.PropUID)
		if _, seen := groups[uid]; !seen {
			order = append(order, uid)
		}
		groups[uid] = append(groups[uid], child)
	}

	items := make([]*Item, 0, len(order))
	for _, uid := range order {
		sub := ical.NewCalendar()
		sub.Props.SetText(ical.PropProductID, "-//davfs-go//storage//EN")
		sub.Props.SetText(ical.PropVersion, "2.0")
		sub.Children = append(sub.Children, timezones...)
		sub.Children = append(sub.Children, groups[uid]...)

		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		if err := ical.NewEncoder(w).Encode(sub); err != nil {
			return nil, fmt.Errorf("item - SplitCollection - Encode: %w", err)
		}
		if err := w.Flush(); err != nil {
			return nil, fmt.Errorf("item - SplitCollection - Flush: %w", err)
		}

		it, err := Parse(buf.Bytes(), TagCalendar, nil)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}
