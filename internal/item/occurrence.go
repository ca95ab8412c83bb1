package item

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// Timestamp bounds of the representable calendar scale (years 1..9999).
// Items without any anchoring date get the universal range.
const (
	TimestampMin int64 = -62135596800
	TimestampMax int64 = 253402300799
)

const daySeconds = 24 * 60 * 60

// OccurrenceSink receives every concrete occurrence of an item as a
// half-open [start, end) pair of unix timestamps. Returning true stops the
// expansion. Overridden occurrences (RECURRENCE-ID) are delivered first,
// each exactly once; the remaining stream is chronological. OnUnbounded is
// called instead of enumerating a rule with neither UNTIL nor COUNT.
type OccurrenceSink interface {
	OnRange(start, end int64, override bool) bool
	OnUnbounded(firstStart int64) bool
}

func parseRRule(value string) (*rrule.ROption, error) {
	ropt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, err
	}
	return ropt, nil
}

// compTime reads a date or date-time property in UTC.
func compTime(comp *ical.Component, name string) (t time.Time, dateOnly, ok bool, err error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}, false, false, nil
	}
	t, err = prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false, false, fmt.Errorf("%w: bad %s: %v", ErrInvalid, name, err)
	}
	return t, prop.ValueType() == ical.ValueDate, true, nil
}

// datesOf collects every timestamp of a (possibly repeated, possibly
// comma-separated) date list property such as RDATE or EXDATE. PERIOD
// values contribute their start.
func datesOf(comp *ical.Component, name string) ([]time.Time, error) {
	var out []time.Time
	for _, prop := range comp.Props.Values(name) {
		for _, part := range strings.Split(prop.Value, ",") {
			if i := strings.IndexByte(part, '/'); i >= 0 {
				part = part[:i]
			}
			t, err := parseDateValue(part)
			if err != nil {
				return nil, fmt.Errorf("%w: bad %s value %q", ErrInvalid, name, part)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func parseDateValue(s string) (time.Time, error) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date value %q", s)
}

// kindRanges derives the [start, end) pairs of a single, non-expanded
// component occurrence, per kind:
//
//   - VEVENT: explicit end, or start+duration, or a 1-second point for
//     date-times and a 1-day span for dates.
//   - VTODO: up to two bracketing ranges built from start/duration/due/
//     completed/created, so either endpoint can anchor a match; with none
//     of them present the item matches the universal range.
//   - VJOURNAL: 1 second or 1 day from the start; no range without one.
func kindRanges(comp *ical.Component) ([][2]int64, error) {
	start, dateOnly, hasStart, err := compTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return nil, err
	}

	switch comp.Name {
	case ical.CompEvent, ical.CompFreeBusy:
		if !hasStart {
			return nil, nil
		}
		s := start.Unix()
		if end, _, ok, err := compTime(comp, ical.PropDateTimeEnd); err != nil {
			return nil, err
		} else if ok {
			return [][2]int64{{s, end.Unix()}}, nil
		}
		if prop := comp.Props.Get(ical.PropDuration); prop != nil {
			d, err := parseDuration(prop.Value)
			if err != nil {
				return nil, err
			}
			if d > 0 {
				return [][2]int64{{s, s + int64(d/time.Second)}}, nil
			}
		}
		if dateOnly {
			return [][2]int64{{s, s + daySeconds}}, nil
		}
		return [][2]int64{{s, s + 1}}, nil

	case ical.CompToDo:
		return todoRanges(comp, start, hasStart)

	case ical.CompJournal:
		if !hasStart {
			return nil, nil
		}
		s := start.Unix()
		if dateOnly {
			return [][2]int64{{s, s + daySeconds}}, nil
		}
		return [][2]int64{{s, s + 1}}, nil

	default:
		return nil, nil
	}
}

// todoRanges approximates the RFC 4791 table 4 predicates with second-wide
// bracket windows around the anchoring instants. The exact boundaries are
// pinned by tests; they are intentionally asymmetric.
func todoRanges(comp *ical.Component, start time.Time, hasStart bool) ([][2]int64, error) {
	var dur time.Duration
	hasDur := false
	if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		d, err := parseDuration(prop.Value)
		if err != nil {
			return nil, err
		}
		dur, hasDur = d, true
	}
	due, _, hasDue, err := compTime(comp, ical.PropDue)
	if err != nil {
		return nil, err
	}
	completed, _, hasCompleted, err := compTime(comp, ical.PropCompleted)
	if err != nil {
		return nil, err
	}
	created, _, hasCreated, err := compTime(comp, ical.PropCreated)
	if err != nil {
		return nil, err
	}

	switch {
	case hasStart && hasDur:
		s := start.Unix()
		e := s + int64(dur/time.Second)
		return [][2]int64{{s, e + 1}, {e, e + 1}}, nil
	case hasStart && hasDue:
		s, u := start.Unix(), due.Unix()
		return [][2]int64{{s, u}, {u - 1, u + 1}}, nil
	case hasStart:
		s := start.Unix()
		return [][2]int64{{s, s + 1}}, nil
	case hasDue:
		u := due.Unix()
		return [][2]int64{{u - 1, u + 1}}, nil
	case hasCompleted && hasCreated:
		r, c := created.Unix(), completed.Unix()
		return [][2]int64{{r, c + 1}, {c, c + 1}}, nil
	case hasCompleted:
		c := completed.Unix()
		return [][2]int64{{c, c + 1}}, nil
	case hasCreated:
		return [][2]int64{{created.Unix(), TimestampMax}}, nil
	default:
		return [][2]int64{{TimestampMin, TimestampMax}}, nil
	}
}

// Expand drives the sink over every concrete occurrence of the item.
// Contacts expand to nothing.
func (it *Item) Expand(sink OccurrenceSink) error {
	if it.Kind == KindCard {
		return nil
	}
	if err := it.materialize(); err != nil {
		return err
	}

	overridden := map[int64]bool{}
	var override [][2]int64
	for _, comp := range it.overrides {
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			if t, err := rid.DateTime(time.UTC); err == nil {
				overridden[t.Unix()] = true
			}
		}
		ranges, err := kindRanges(comp)
		if err != nil {
			return err
		}
		override = append(override, ranges...)
	}
	sort.Slice(override, func(i, j int) bool { return override[i][0] < override[j][0] })
	for _, r := range override {
		if sink.OnRange(r[0], r[1], true) {
			return nil
		}
	}

	main := it.main
	if main == nil {
		return nil
	}
	base, err := kindRanges(main)
	if err != nil {
		return err
	}
	if len(base) == 0 {
		return nil
	}

	rr := main.Props.Get(ical.PropRecurrenceRule)
	rdates, err := datesOf(main, ical.PropRecurrenceDates)
	if err != nil {
		return err
	}
	start, _, hasStart, err := compTime(main, ical.PropDateTimeStart)
	if err != nil {
		return err
	}

	if (rr == nil && len(rdates) == 0) || !hasStart {
		for _, r := range base {
			if sink.OnRange(r[0], r[1], false) {
				return nil
			}
		}
		return nil
	}

	set := &rrule.Set{}
	set.DTStart(start)
	unbounded := false
	if rr != nil {
		ropt, err := parseRRule(rr.Value)
		if err != nil {
			return fmt.Errorf("%w: bad RRULE: %v", ErrInvalid, err)
		}
		ropt.Dtstart = start
		rule, err := rrule.NewRRule(*ropt)
		if err != nil {
			return fmt.Errorf("%w: bad RRULE: %v", ErrInvalid, err)
		}
		set.RRule(rule)
		unbounded = ropt.Until.IsZero() && ropt.Count == 0
	}
	if rr == nil {
		// With RDATE-only recurrence the start itself is the first
		// instance; a rule generates it on its own.
		set.RDate(start)
	}
	for _, d := range rdates {
		set.RDate(d)
	}
	exdates, err := datesOf(main, ical.PropExceptionDates)
	if err != nil {
		return err
	}
	for _, d := range exdates {
		set.ExDate(d)
	}

	if unbounded {
		// Never materialize an infinite rule.
		if first, ok := set.Iterator()(); ok {
			if sink.OnUnbounded(first.Unix()) {
				return nil
			}
		}
		return nil
	}

	anchor := start.Unix()
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			return nil
		}
		occ := t.Unix()
		if overridden[occ] {
			// Replaced by an override already delivered above.
			continue
		}
		delta := occ - anchor
		for _, r := range base {
			if sink.OnRange(r[0]+delta, r[1]+delta, false) {
				return nil
			}
		}
	}
}

type boundsSink struct {
	start, end int64
	any        bool
}

func (b *boundsSink) OnRange(start, end int64, override bool) bool {
	if !b.any || start < b.start {
		b.start = start
	}
	if !b.any || end > b.end {
		b.end = end
	}
	b.any = true
	return false
}

func (b *boundsSink) OnUnbounded(firstStart int64) bool {
	if !b.any || firstStart < b.start {
		b.start = firstStart
	}
	b.end = TimestampMax
	b.any = true
	return true
}

// TimeRange returns the enclosing [start, end) of all occurrences, computed
// lazily. Items without any anchoring date (including contacts) span the
// universal range.
func (it *Item) TimeRange() (int64, int64) {
	if it.rangeMemo == nil {
		b := &boundsSink{}
		if err := it.Expand(b); err != nil || !b.any {
			it.rangeMemo = &[2]int64{TimestampMin, TimestampMax}
		} else {
			it.rangeMemo = &[2]int64{b.start, b.end}
		}
	}
	return it.rangeMemo[0], it.rangeMemo[1]
}

// SetTimeRange primes the lazy range, used when restoring from cache.
func (it *Item) SetTimeRange(start, end int64) {
	it.rangeMemo = &[2]int64{start, end}
}

// Components returns every concrete component of a calendar item, main
// first, then the overrides.
func (it *Item) Components() ([]*ical.Component, error) {
	if it.Kind == KindCard {
		return nil, nil
	}
	if err := it.materialize(); err != nil {
		return nil, err
	}
	comps := make([]*ical.Component, 0, 1+len(it.overrides))
	if it.main != nil {
		comps = append(comps, it.main)
	}
	return append(comps, it.overrides...), nil
}
