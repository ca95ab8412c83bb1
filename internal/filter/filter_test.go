package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/Raimguhinov/davfs-go/internal/item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ics(lines ...string) []byte {
	all := append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
	}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func calendarItem(t *testing.T, lines ...string) *item.Item {
	t.Helper()
	it, err := item.Parse(ics(lines...), item.TagCalendar, nil)
	require.NoError(t, err)
	return it
}

func cardItem(t *testing.T, lines ...string) *item.Item {
	t.Helper()
	all := append([]string{"BEGIN:VCARD", "VERSION:3.0"}, lines...)
	all = append(all, "END:VCARD")
	raw := []byte(strings.Join(all, "\r\n") + "\r\n")
	it, err := item.Parse(raw, item.TagAddressBook, nil)
	require.NoError(t, err)
	return it
}

func ts(value string) int64 {
	tm, err := time.Parse("20060102T150405Z", value)
	if err != nil {
		panic(err)
	}
	return tm.Unix()
}

func meeting(t *testing.T) *item.Item {
	return calendarItem(t,
		"BEGIN:VEVENT",
		"UID:meeting-1",
		"SUMMARY:Budget meeting",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T160000Z",
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:a@example.org",
		"END:VEVENT",
	)
}

func TestMatch_ComponentKind(t *testing.T) {
	it := meeting(t)

	ok, err := Match(it, []CompFilter{{
		Name:        string(item.TagCalendar),
		CompFilters: []CompFilter{{Name: "VEVENT"}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, []CompFilter{{
		Name:        string(item.TagCalendar),
		CompFilters: []CompFilter{{Name: "VTODO"}},
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_IsNotDefined(t *testing.T) {
	it := meeting(t)

	ok, err := Match(it, []CompFilter{{
		Name:        string(item.TagCalendar),
		CompFilters: []CompFilter{{Name: "VTODO", IsNotDefined: true}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, []CompFilter{{
		Name:        string(item.TagCalendar),
		CompFilters: []CompFilter{{Name: "VEVENT", IsNotDefined: true}},
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_TextMatchTypes(t *testing.T) {
	it := meeting(t)

	cases := []struct {
		matchType string
		value     string
		want      bool
	}{
		{MatchContains, "budget", true},
		{MatchContains, "lunch", false},
		{MatchEquals, "budget meeting", true},
		{MatchEquals, "budget", false},
		{MatchStartsWith, "budget", true},
		{MatchStartsWith, "meeting", false},
		{MatchEndsWith, "meeting", true},
		{MatchEndsWith, "budget", false},
	}
	for _, tc := range cases {
		ok, err := Match(it, []CompFilter{{
			Name: string(item.TagCalendar),
			CompFilters: []CompFilter{{
				Name: "VEVENT",
				PropFilters: []PropFilter{{
					Name:      "SUMMARY",
					TextMatch: &TextMatch{Value: tc.value, MatchType: tc.matchType},
				}},
			}},
		}})
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "%s %q", tc.matchType, tc.value)
	}
}

func TestMatch_NegatedText(t *testing.T) {
	it := meeting(t)

	ok, err := Match(it, []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name:      "SUMMARY",
				TextMatch: &TextMatch{Value: "lunch", Negate: true},
			}},
		}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatch_ParamFilter(t *testing.T) {
	it := meeting(t)

	ok, err := Match(it, []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name: "ATTENDEE",
				ParamFilters: []ParamFilter{{
					Name:      "PARTSTAT",
					TextMatch: &TextMatch{Value: "accepted", MatchType: MatchEquals},
				}},
			}},
		}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name:         "ATTENDEE",
				ParamFilters: []ParamFilter{{Name: "PARTSTAT", IsNotDefined: true}},
			}},
		}},
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_NestedComponent(t *testing.T) {
	it := calendarItem(t,
		"BEGIN:VEVENT",
		"UID:alarmed",
		"SUMMARY:Dentist",
		"DTSTART:20130901T120000Z",
		"BEGIN:VALARM",
		"ACTION:DISPLAY",
		"TRIGGER:-PT15M",
		"END:VALARM",
		"END:VEVENT",
	)

	alarm := func(inner CompFilter) []CompFilter {
		return []CompFilter{{
			Name: string(item.TagCalendar),
			CompFilters: []CompFilter{{
				Name:        "VEVENT",
				CompFilters: []CompFilter{inner},
			}},
		}}
	}

	ok, err := Match(it, alarm(CompFilter{Name: "VALARM"}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, alarm(CompFilter{Name: "VALARM", IsNotDefined: true}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Match(it, alarm(CompFilter{
		Name: "VALARM",
		PropFilters: []PropFilter{{
			Name:      "ACTION",
			TextMatch: &TextMatch{Value: "display", MatchType: MatchEquals},
		}},
	}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, alarm(CompFilter{
		Name:        "VALARM",
		PropFilters: []PropFilter{{Name: "REPEAT"}},
	}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_TimeRange(t *testing.T) {
	it := meeting(t)

	overlap := []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name:      "VEVENT",
			TimeRange: &TimeRange{Start: ts("20130801T000000Z"), End: ts("20131001T000000Z")},
		}},
	}}
	ok, err := Match(it, overlap)
	require.NoError(t, err)
	assert.True(t, ok)

	disjoint := []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name:      "VEVENT",
			TimeRange: &TimeRange{Start: ts("20130902T000000Z"), End: ts("20130903T000000Z")},
		}},
	}}
	ok, err = Match(it, disjoint)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_TimeRangeThroughRecurrence(t *testing.T) {
	it := calendarItem(t,
		"BEGIN:VEVENT",
		"UID:weekly",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T130000Z",
		"RRULE:FREQ=WEEKLY;COUNT=10",
		"END:VEVENT",
	)

	// A window around the fifth occurrence only.
	ok, err := Match(it, []CompFilter{{
		Name: string(item.TagCalendar),
		CompFilters: []CompFilter{{
			Name:      "VEVENT",
			TimeRange: &TimeRange{Start: ts("20130929T000000Z"), End: ts("20130930T000000Z")},
		}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatch_WrongTopLevelGroup(t *testing.T) {
	it := meeting(t)
	ok, err := Match(it, []CompFilter{{Name: string(item.TagAddressBook)}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_CardProps(t *testing.T) {
	it := cardItem(t, "UID:c1", "FN:Erika Mustermann", "EMAIL;TYPE=work:erika@example.org")

	ok, err := Match(it, []CompFilter{{
		Name: string(item.TagAddressBook),
		PropFilters: []PropFilter{{
			Name:      "FN",
			TextMatch: &TextMatch{Value: "erika", MatchType: MatchStartsWith},
		}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, []CompFilter{{
		Name: string(item.TagAddressBook),
		PropFilters: []PropFilter{{
			Name: "EMAIL",
			ParamFilters: []ParamFilter{{
				Name:      "TYPE",
				TextMatch: &TextMatch{Value: "work", MatchType: MatchEquals},
			}},
		}},
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Match(it, []CompFilter{{
		Name:        string(item.TagAddressBook),
		PropFilters: []PropFilter{{Name: "NICKNAME"}},
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_EmptyFilterSetMatchesAll(t *testing.T) {
	ok, err := Match(meeting(t), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
