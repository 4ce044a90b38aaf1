// Package dedup answers whether an account's calendar already holds an
// event with a given title on a given calendar day.
package dedup

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/calendar"
	"calsync/internal/model"
)

// Deduplicator checks calendars for an existing same-titled event.
type Deduplicator struct {
	cal calendar.Calendar
	loc *time.Location
}

// New returns a Deduplicator reading through cal. defaultLoc is used for
// accounts without their own timezone.
func New(cal calendar.Calendar, defaultLoc *time.Location) *Deduplicator {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Deduplicator{cal: cal, loc: defaultLoc}
}

// Window returns the half-open instant range covering date in loc. It is
// built from civil dates, so DST days span 23 or 25 hours.
func Window(date civil.Date, loc *time.Location) (start, end time.Time) {
	return date.In(loc), date.AddDays(1).In(loc)
}

// Location is the zone the account's days are measured in.
func (d *Deduplicator) Location(account model.CalendarAccount) *time.Location {
	return account.Location(d.loc)
}

// Exists reports whether account has an event titled exactly title that
// overlaps date's local day.
func (d *Deduplicator) Exists(ctx context.Context, account model.CalendarAccount, date civil.Date, title string) (bool, error) {
	loc := d.Location(account)
	start, end := Window(date, loc)

	events, err := d.cal.QueryEvents(ctx, account, start, end, title)
	if err != nil {
		return false, fmt.Errorf("query %s for %s: %w", account.AccountID, date, err)
	}
	for _, ev := range events {
		if Matches(ev, title, start, end, loc) {
			return true, nil
		}
	}
	return false, nil
}

// Matches reports whether ev has exactly title and overlaps [start, end).
// All-day events are placed at the local midnights of their dates.
func Matches(ev calendar.Event, title string, start, end time.Time, loc *time.Location) bool {
	if ev.Title != title {
		return false
	}
	evStart, evEnd := ev.Start, ev.End
	if ev.AllDay {
		evStart, evEnd = ev.StartDate.In(loc), ev.EndDate.In(loc)
	}
	if !evEnd.After(evStart) {
		return !evStart.Before(start) && evStart.Before(end)
	}
	return evStart.Before(end) && start.Before(evEnd)
}
