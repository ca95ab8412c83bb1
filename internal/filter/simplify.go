package filter

import "github.com/Raimguhinov/davfs-go/internal/item"

// Prefilter is the cheap pre-selection predicate a filter set simplifies
// to: component kind (empty means match everything) and a time window.
// Exact is false whenever the simplification dropped information, in which
// case the full filter pass must still run over whatever the prefilter
// selects.
type Prefilter struct {
	Kind  string
	Start int64
	End   int64
	Exact bool
}

func matchAll(exact bool) Prefilter {
	return Prefilter{Start: item.TimestampMin, End: item.TimestampMax, Exact: exact}
}

// Simplify reduces a filter tree to a Prefilter. Only trees shaped as a
// single top-level VCALENDAR component filter containing at most one child
// component filter containing at most one time range qualify for a precise
// reduction; anything else degrades to a lossy match-everything predicate.
func Simplify(filters []CompFilter) Prefilter {
	if len(filters) == 0 {
		return matchAll(true)
	}
	if len(filters) != 1 {
		return matchAll(false)
	}
	top := &filters[0]
	if top.Name != string(item.TagCalendar) || top.IsNotDefined || top.TimeRange != nil {
		return matchAll(false)
	}
	exact := len(top.PropFilters) == 0

	switch len(top.CompFilters) {
	case 0:
		return matchAll(exact)
	case 1:
	default:
		return matchAll(false)
	}

	child := &top.CompFilters[0]
	if child.IsNotDefined {
		return matchAll(false)
	}
	pre := Prefilter{
		Kind:  child.Name,
		Start: item.TimestampMin,
		End:   item.TimestampMax,
		Exact: exact && len(child.PropFilters) == 0 && len(child.CompFilters) == 0,
	}
	if child.TimeRange != nil {
		pre.Start = child.TimeRange.Start
		pre.End = child.TimeRange.End
		if pre.End == 0 {
			pre.End = item.TimestampMax
		}
	}
	return pre
}

// Select reports whether an item passes the cheap predicate, using only the
// memoized kind and time range.
func (p Prefilter) Select(it *item.Item) bool {
	if p.Kind != "" && p.Kind != it.Kind {
		return false
	}
	start, end := it.TimeRange()
	return start < p.End && end > p.Start
}

// Covers reports whether every occurrence of the item lies inside the
// window, making the overlap test conclusive on its own. An item that
// merely straddles the window may still have all its occurrences outside
// it (a recurrence gap), so it needs the full filter pass.
func (p Prefilter) Covers(it *item.Item) bool {
	start, end := it.TimeRange()
	return p.Start <= start && end <= p.End
}
