package caldav

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/Raimguhinov/davfs-go/internal/filter"
	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/ceres919/go-webdav/caldav"
	"github.com/emersion/go-ical"
)

func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return nil, fmt.Errorf("caldav - encodeCalendar - Encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("caldav - encodeCalendar - Flush: %w", err)
	}
	return buf.Bytes(), nil
}

// convertQuery maps the parsed calendar-query filter XML onto the engine's
// filter tree.
func convertQuery(query *caldav.CalendarQuery) []filter.CompFilter {
	if query == nil {
		return nil
	}
	return []filter.CompFilter{convertComp(&query.CompFilter)}
}

func convertComp(f *caldav.CompFilter) filter.CompFilter {
	out := filter.CompFilter{
		Name:         f.Name,
		IsNotDefined: f.IsNotDefined,
	}
	if !f.Start.IsZero() || !f.End.IsZero() {
		tr := &filter.TimeRange{Start: item.TimestampMin, End: item.TimestampMax}
		if !f.Start.IsZero() {
			tr.Start = f.Start.Unix()
		}
		if !f.End.IsZero() {
			tr.End = f.End.Unix()
		}
		out.TimeRange = tr
	}
	for i := range f.Props {
		out.PropFilters = append(out.PropFilters, convertProp(&f.Props[i]))
	}
	for i := range f.Comps {
		out.CompFilters = append(out.CompFilters, convertComp(&f.Comps[i]))
	}
	return out
}

func convertProp(f *caldav.PropFilter) filter.PropFilter {
	out := filter.PropFilter{
		Name:         f.Name,
		IsNotDefined: f.IsNotDefined,
	}
	if f.TextMatch != nil {
		out.TextMatch = &filter.TextMatch{
			Value:     f.TextMatch.Text,
			MatchType: filter.MatchContains,
			Negate:    f.TextMatch.NegateCondition,
		}
	}
	for i := range f.ParamFilter {
		pf := &f.ParamFilter[i]
		converted := filter.ParamFilter{
			Name:         pf.Name,
			IsNotDefined: pf.IsNotDefined,
		}
		if pf.TextMatch != nil {
			converted.TextMatch = &filter.TextMatch{
				Value:     pf.TextMatch.Text,
				MatchType: filter.MatchContains,
				Negate:    pf.TextMatch.NegateCondition,
			}
		}
		out.ParamFilters = append(out.ParamFilters, converted)
	}
	return out
}
