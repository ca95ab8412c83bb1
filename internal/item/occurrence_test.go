package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	starts    []int64
	ends      []int64
	overrides []bool
	unbounded []int64
}

func (c *collectSink) OnRange(start, end int64, override bool) bool {
	c.starts = append(c.starts, start)
	c.ends = append(c.ends, end)
	c.overrides = append(c.overrides, override)
	return false
}

func (c *collectSink) OnUnbounded(firstStart int64) bool {
	c.unbounded = append(c.unbounded, firstStart)
	return true
}

func ts(value string) int64 {
	t, err := time.Parse("20060102T150405Z", value)
	if err != nil {
		panic(err)
	}
	return t.Unix()
}

func expand(t *testing.T, raw []byte) *collectSink {
	t.Helper()
	it, err := Parse(raw, TagCalendar, nil)
	require.NoError(t, err)
	sink := &collectSink{}
	require.NoError(t, it.Expand(sink))
	return sink
}

func TestExpand_SingleEventRange(t *testing.T) {
	sink := expand(t, event(
		"UID:e1",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T160000Z",
	))
	require.Len(t, sink.starts, 1)
	assert.Equal(t, ts("20130901T120000Z"), sink.starts[0])
	assert.Equal(t, ts("20130901T160000Z"), sink.ends[0])
	assert.False(t, sink.overrides[0])
}

func TestTimeRange_WindowOverlap(t *testing.T) {
	it, err := Parse(event(
		"UID:e1",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T160000Z",
	), TagCalendar, nil)
	require.NoError(t, err)

	start, end := it.TimeRange()

	// Enclosing month window overlaps, a disjoint later window does not.
	assert.True(t, start < ts("20131001T000000Z") && end > ts("20130801T000000Z"))
	assert.False(t, start < ts("20130903T000000Z") && end > ts("20130902T000000Z"))
}

func TestExpand_AllDayEvent(t *testing.T) {
	sink := expand(t, event(
		"UID:allday",
		"DTSTART;VALUE=DATE:20130901",
	))
	require.Len(t, sink.starts, 1)
	assert.Equal(t, int64(daySeconds), sink.ends[0]-sink.starts[0])
}

func TestExpand_BiweeklyCount(t *testing.T) {
	sink := expand(t, event(
		"UID:biweekly",
		"DTSTART:20060119T120000Z",
		"DTEND:20060119T130000Z",
		"RRULE:FREQ=WEEKLY;INTERVAL=2;COUNT=2",
	))
	require.Len(t, sink.starts, 2)
	assert.Equal(t, ts("20060119T120000Z"), sink.starts[0])
	assert.Equal(t, ts("20060202T120000Z"), sink.starts[1])
	assert.Equal(t, int64(14*daySeconds), sink.starts[1]-sink.starts[0])
	// Each occurrence keeps the one-hour duration.
	assert.Equal(t, int64(3600), sink.ends[1]-sink.starts[1])
}

func TestExpand_UnboundedRuleNeverEnumerates(t *testing.T) {
	sink := expand(t, event(
		"UID:forever",
		"DTSTART:20130901T120000Z",
		"RRULE:FREQ=DAILY",
	))
	assert.Empty(t, sink.starts)
	require.Len(t, sink.unbounded, 1)
	assert.Equal(t, ts("20130901T120000Z"), sink.unbounded[0])
}

func TestExpand_ExdateSkipped(t *testing.T) {
	sink := expand(t, event(
		"UID:exdate",
		"DTSTART:20130901T120000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"EXDATE:20130902T120000Z",
	))
	require.Len(t, sink.starts, 2)
	assert.Equal(t, ts("20130901T120000Z"), sink.starts[0])
	assert.Equal(t, ts("20130903T120000Z"), sink.starts[1])
}

func TestExpand_OverrideReplacesBaseOccurrence(t *testing.T) {
	sink := expand(t, ics(
		"BEGIN:VEVENT",
		"UID:rec",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T130000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:rec",
		"RECURRENCE-ID:20130902T120000Z",
		"DTSTART:20130902T180000Z",
		"DTEND:20130902T190000Z",
		"END:VEVENT",
	))
	require.Len(t, sink.starts, 3)

	// The override comes first, then the two surviving base occurrences.
	assert.True(t, sink.overrides[0])
	assert.Equal(t, ts("20130902T180000Z"), sink.starts[0])
	assert.False(t, sink.overrides[1])
	assert.Equal(t, ts("20130901T120000Z"), sink.starts[1])
	assert.Equal(t, ts("20130903T120000Z"), sink.starts[2])
}

func TestExpand_RDateAdded(t *testing.T) {
	sink := expand(t, event(
		"UID:rdate",
		"DTSTART:20130901T120000Z",
		"DTEND:20130901T130000Z",
		"RDATE:20130910T120000Z",
	))
	require.Len(t, sink.starts, 2)
	assert.Equal(t, ts("20130901T120000Z"), sink.starts[0])
	assert.Equal(t, ts("20130910T120000Z"), sink.starts[1])
}

func todo(props ...string) []byte {
	lines := append([]string{"BEGIN:VTODO", "UID:todo-1"}, props...)
	return ics(append(lines, "END:VTODO")...)
}

func TestExpand_TodoBrackets(t *testing.T) {
	s := ts("20130901T120000Z")
	u := ts("20130905T120000Z")
	c := ts("20130903T120000Z")
	r := ts("20130801T120000Z")

	cases := []struct {
		name  string
		props []string
		want  [][2]int64
	}{
		{
			name:  "start and duration",
			props: []string{"DTSTART:20130901T120000Z", "DURATION:PT2H"},
			want:  [][2]int64{{s, s + 7200 + 1}, {s + 7200, s + 7200 + 1}},
		},
		{
			name:  "start and due",
			props: []string{"DTSTART:20130901T120000Z", "DUE:20130905T120000Z"},
			want:  [][2]int64{{s, u}, {u - 1, u + 1}},
		},
		{
			name:  "start only",
			props: []string{"DTSTART:20130901T120000Z"},
			want:  [][2]int64{{s, s + 1}},
		},
		{
			name:  "due only",
			props: []string{"DUE:20130905T120000Z"},
			want:  [][2]int64{{u - 1, u + 1}},
		},
		{
			name:  "completed and created",
			props: []string{"COMPLETED:20130903T120000Z", "CREATED:20130801T120000Z"},
			want:  [][2]int64{{r, c + 1}, {c, c + 1}},
		},
		{
			name:  "completed only",
			props: []string{"COMPLETED:20130903T120000Z"},
			want:  [][2]int64{{c, c + 1}},
		},
		{
			name:  "created only",
			props: []string{"CREATED:20130801T120000Z"},
			want:  [][2]int64{{r, TimestampMax}},
		},
		{
			name:  "nothing",
			props: nil,
			want:  [][2]int64{{TimestampMin, TimestampMax}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := expand(t, todo(tc.props...))
			require.Len(t, sink.starts, len(tc.want))
			for i, w := range tc.want {
				assert.Equal(t, w[0], sink.starts[i], "range %d start", i)
				assert.Equal(t, w[1], sink.ends[i], "range %d end", i)
			}
		})
	}
}

func TestTimeRange_JournalWithoutStartIsUniversal(t *testing.T) {
	it, err := Parse(ics(
		"BEGIN:VJOURNAL",
		"UID:j1",
		"SUMMARY:notes",
		"END:VJOURNAL",
	), TagCalendar, nil)
	require.NoError(t, err)

	start, end := it.TimeRange()
	assert.Equal(t, TimestampMin, start)
	assert.Equal(t, TimestampMax, end)
}

func TestTimeRange_CardIsUniversal(t *testing.T) {
	it, err := Parse(vcf("UID:c", "FN:Someone"), TagAddressBook, nil)
	require.NoError(t, err)
	start, end := it.TimeRange()
	assert.Equal(t, TimestampMin, start)
	assert.Equal(t, TimestampMax, end)
}

func TestExpand_StopsWhenSinkSaysSo(t *testing.T) {
	it, err := Parse(event(
		"UID:stop",
		"DTSTART:20130901T120000Z",
		"RRULE:FREQ=DAILY;COUNT=100",
	), TagCalendar, nil)
	require.NoError(t, err)

	n := 0
	sink := &stopSink{n: &n}
	require.NoError(t, it.Expand(sink))
	assert.Equal(t, 3, n)
}

type stopSink struct{ n *int }

func (s *stopSink) OnRange(start, end int64, override bool) bool {
	*s.n++
	return *s.n >= 3
}

func (s *stopSink) OnUnbounded(firstStart int64) bool { return true }
