// Package filter evaluates CalDAV/CardDAV query filters against items:
// structural component/property/parameter matching and time-range matching
// driven by recurrence expansion. The HTTP layer parses the XML grammar;
// this package receives the resulting trees.
package filter

import (
	"strings"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/emersion/go-ical"
)

// Text match types.
const (
	MatchEquals     = "equals"
	MatchContains   = "contains"
	MatchStartsWith = "starts-with"
	MatchEndsWith   = "ends-with"
)

// TimeRange is a half-open [Start, End) window of unix timestamps.
type TimeRange struct {
	Start int64
	End   int64
}

// TextMatch tests a property or parameter value, case-insensitively.
type TextMatch struct {
	Value     string
	MatchType string // defaults to contains
	Negate    bool
}

// ParamFilter tests presence of a named parameter, optionally followed by a
// text matcher or a negated-presence marker on its values.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// PropFilter tests presence, negated-presence, or text/parameter matchers
// of one property.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
	ParamFilters []ParamFilter
}

// CompFilter tests component-kind equality (or negated presence) and
// recurses into child component/property filters and a time range.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	PropFilters  []PropFilter
	CompFilters  []CompFilter
}

// Match reports whether the item satisfies every filter of the set.
func Match(it *item.Item, filters []CompFilter) (bool, error) {
	for i := range filters {
		ok, err := matchTop(it, &filters[i])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func group(it *item.Item) item.Tag {
	if it.Kind == item.KindCard {
		return item.TagAddressBook
	}
	return item.TagCalendar
}

func matchTop(it *item.Item, f *CompFilter) (bool, error) {
	sameGroup := string(group(it)) == f.Name
	if f.IsNotDefined {
		return !sameGroup, nil
	}
	if !sameGroup {
		return false, nil
	}

	if it.Kind == item.KindCard {
		card, err := it.CardData()
		if err != nil {
			return false, err
		}
		for i := range f.PropFilters {
			if !matchCardProp(card, &f.PropFilters[i]) {
				return false, nil
			}
		}
		// Address book data has no nested components.
		return len(f.CompFilters) == 0 && f.TimeRange == nil, nil
	}

	comps, err := it.Components()
	if err != nil {
		return false, err
	}
	for i := range f.CompFilters {
		ok, err := matchComp(it, comps, &f.CompFilters[i], true)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchComp evaluates one comp-filter level against candidate components.
// topLevel marks the filter directly under VCALENDAR, where the time range
// is evaluated through recurrence expansion of the whole item.
func matchComp(it *item.Item, comps []*ical.Component, f *CompFilter, topLevel bool) (bool, error) {
	var named []*ical.Component
	for _, comp := range comps {
		if comp.Name == f.Name {
			named = append(named, comp)
		}
	}
	if f.IsNotDefined {
		return len(named) == 0, nil
	}
	if len(named) == 0 {
		return false, nil
	}

	if f.TimeRange != nil && topLevel {
		ok, err := timeRangeMatch(it, f.TimeRange, f.Name)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if len(f.PropFilters) == 0 && len(f.CompFilters) == 0 {
		return true, nil
	}

	// Any component of the requested kind may satisfy the nested filters.
	for _, comp := range named {
		ok, err := matchesNested(it, comp, f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchesNested(it *item.Item, comp *ical.Component, f *CompFilter) (bool, error) {
	for i := range f.PropFilters {
		if !matchProp(comp, &f.PropFilters[i]) {
			return false, nil
		}
	}
	for i := range f.CompFilters {
		ok, err := matchComp(it, comp.Children, &f.CompFilters[i], false)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchProp(comp *ical.Component, f *PropFilter) bool {
	props := comp.Props.Values(strings.ToUpper(f.Name))
	if f.IsNotDefined {
		return len(props) == 0
	}
	if len(props) == 0 {
		return false
	}
	if f.TextMatch != nil {
		any := false
		for i := range props {
			if textMatches(f.TextMatch, props[i].Value) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for i := range f.ParamFilters {
		if !matchParam(props, &f.ParamFilters[i]) {
			return false
		}
	}
	return true
}

func matchParam(props []ical.Prop, f *ParamFilter) bool {
	var values []string
	for i := range props {
		for name, vs := range props[i].Params {
			if strings.EqualFold(name, f.Name) {
				values = append(values, vs...)
			}
		}
	}
	if f.IsNotDefined {
		return len(values) == 0
	}
	if len(values) == 0 {
		return false
	}
	if f.TextMatch != nil {
		for _, v := range values {
			if textMatches(f.TextMatch, v) {
				return true
			}
		}
		return false
	}
	return true
}

func textMatches(m *TextMatch, value string) bool {
	v := strings.ToLower(value)
	want := strings.ToLower(m.Value)
	var ok bool
	switch m.MatchType {
	case MatchEquals:
		ok = v == want
	case MatchStartsWith:
		ok = strings.HasPrefix(v, want)
	case MatchEndsWith:
		ok = strings.HasSuffix(v, want)
	default:
		ok = strings.Contains(v, want)
	}
	if m.Negate {
		return !ok
	}
	return ok
}

// matchSink stops as soon as an occurrence overlaps the window or the
// chronological main stream is provably past it. Overrides are not in
// lock-step with the base rule and never cause an early stop.
type matchSink struct {
	start, end int64
	matched    bool
}

func (m *matchSink) OnRange(start, end int64, override bool) bool {
	if start < m.end && end > m.start {
		m.matched = true
		return true
	}
	return !override && start >= m.end
}

func (m *matchSink) OnUnbounded(firstStart int64) bool {
	if firstStart < m.end {
		m.matched = true
	}
	return true
}

func timeRangeMatch(it *item.Item, tr *TimeRange, childKind string) (bool, error) {
	if childKind != it.Kind {
		return false, nil
	}
	sink := &matchSink{start: tr.Start, end: tr.End}
	if sink.end == 0 {
		sink.end = item.TimestampMax
	}
	if err := it.Expand(sink); err != nil {
		return false, err
	}
	return sink.matched, nil
}
