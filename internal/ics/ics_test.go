package ics

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:allday-1
DTSTAMP:20250801T000000Z
DTSTART;VALUE=DATE:20250901
DTEND;VALUE=DATE:20250902
SUMMARY:母出勤
END:VEVENT
BEGIN:VEVENT
UID:timed-1
DTSTAMP:20250801T000000Z
DTSTART;TZID=Asia/Tokyo:20250903T090000
DTEND;TZID=Asia/Tokyo:20250903T180000
SUMMARY:Dentist
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20250801T000000Z
DTSTART;VALUE=DATE:20250901
DTEND;VALUE=DATE:20250902
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE;VALUE=DATE:20250908
SUMMARY:Weekly
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20250801T000000Z
RECURRENCE-ID;VALUE=DATE:20250915
DTSTART;VALUE=DATE:20250915
DTEND;VALUE=DATE:20250916
STATUS:CANCELLED
SUMMARY:Weekly
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20250801T000000Z
DTSTART;VALUE=DATE:20250905
SUMMARY:No UID
END:VEVENT
END:VCALENDAR
`

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func window(loc *time.Location, from, to civil.Date) ExpandConfig {
	return ExpandConfig{Location: loc, RangeStart: from.In(loc), RangeEnd: to.In(loc)}
}

func TestParse(t *testing.T) {
	events, err := Parse("test", []byte(sample))
	require.NoError(t, err)
	require.Len(t, events, 4, "event without UID is skipped")

	byUID := map[string]ParsedEvent{}
	for _, ev := range events {
		if !ev.IsOverride {
			byUID[ev.UID] = ev
		}
	}
	allDay := byUID["allday-1"]
	assert.True(t, allDay.AllDay)
	assert.Equal(t, civil.Date{Year: 2025, Month: 9, Day: 1}, allDay.StartDate)
	assert.Equal(t, civil.Date{Year: 2025, Month: 9, Day: 2}, allDay.EndDate)
	assert.Equal(t, "母出勤", allDay.Summary)

	timed := byUID["timed-1"]
	assert.False(t, timed.AllDay)
	assert.Equal(t, "Asia/Tokyo", timed.Start.Location().String())
	assert.Equal(t, 9*time.Hour, timed.End.Sub(timed.Start))

	assert.Len(t, byUID["weekly-1"].ExDates, 1)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("empty", []byte("  \n"))
	assert.Error(t, err)
}

func TestExpandSingleAllDayHalfOpen(t *testing.T) {
	tokyo := mustLoc(t, "Asia/Tokyo")
	events, err := Parse("test", []byte(sample))
	require.NoError(t, err)

	sep1 := civil.Date{Year: 2025, Month: 9, Day: 1}
	occ, err := Expand(events, window(tokyo, sep1, sep1.AddDays(1)))
	require.NoError(t, err)

	uids := map[string]int{}
	for _, o := range occ {
		uids[o.UID]++
	}
	assert.Equal(t, 1, uids["allday-1"])
	assert.Equal(t, 1, uids["weekly-1"])
	assert.Zero(t, uids["timed-1"])

	// The following day must not see the Sep 1 all-day event.
	sep2 := sep1.AddDays(1)
	occ, err = Expand(events, window(tokyo, sep2, sep2.AddDays(1)))
	require.NoError(t, err)
	for _, o := range occ {
		assert.NotEqual(t, "allday-1", o.UID)
	}
}

func TestExpandRecurringExdateAndCancelledOverride(t *testing.T) {
	tokyo := mustLoc(t, "Asia/Tokyo")
	events, err := Parse("test", []byte(sample))
	require.NoError(t, err)

	from := civil.Date{Year: 2025, Month: 9, Day: 1}
	occ, err := Expand(events, window(tokyo, from, from.AddDays(30)))
	require.NoError(t, err)

	var weekly []civil.Date
	for _, o := range occ {
		if o.UID == "weekly-1" {
			weekly = append(weekly, o.StartDate)
		}
	}
	// Sep 8 is excluded, Sep 15 is cancelled.
	assert.ElementsMatch(t, []civil.Date{
		{Year: 2025, Month: 9, Day: 1},
		{Year: 2025, Month: 9, Day: 22},
	}, weekly)
}

func TestExpandAllDayAcrossDST(t *testing.T) {
	berlin := mustLoc(t, "Europe/Berlin")
	body := `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:dst
DTSTAMP:20250801T000000Z
DTSTART;VALUE=DATE:20251026
DTEND;VALUE=DATE:20251027
SUMMARY:Shift
END:VEVENT
END:VCALENDAR
`
	events, err := Parse("dst", []byte(body))
	require.NoError(t, err)

	day := civil.Date{Year: 2025, Month: 10, Day: 26}
	occ, err := Expand(events, window(berlin, day, day.AddDays(1)))
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, 25*time.Hour, occ[0].End.Sub(occ[0].Start))

	next := day.AddDays(1)
	occ, err = Expand(events, window(berlin, next, next.AddDays(1)))
	require.NoError(t, err)
	assert.Empty(t, occ)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := Expand(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestAppendAllDay(t *testing.T) {
	stamp := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	body, err := AppendAllDay(nil, AllDayEvent{
		UID:         "u-1",
		Date:        civil.Date{Year: 2025, Month: 12, Day: 31},
		Summary:     "母出勤",
		Description: "detected",
		Stamp:       stamp,
	})
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "DTSTART;VALUE=DATE:20251231"))
	assert.True(t, strings.Contains(text, "DTEND;VALUE=DATE:20260101"))

	body, err = AppendAllDay(body, AllDayEvent{UID: "u-2", Date: civil.Date{Year: 2026, Month: 1, Day: 1}, Summary: "母出勤", Stamp: stamp})
	require.NoError(t, err)

	events, err := Parse("written", body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, civil.Date{Year: 2026, Month: 1, Day: 1}, events[0].EndDate)
	assert.Equal(t, civil.Date{Year: 2026, Month: 1, Day: 2}, events[1].EndDate)
}

func TestRemoveEvent(t *testing.T) {
	body, n, err := RemoveEvent([]byte(sample), "weekly-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "series and its override")

	events, err := Parse("trimmed", body)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, "weekly-1", ev.UID)
	}
	assert.True(t, strings.Contains(string(body), "UID:allday-1"))

	same, n, err := RemoveEvent(body, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, body, same)

	_, _, err = RemoveEvent([]byte("not a calendar"), "x")
	assert.Error(t, err)
}
