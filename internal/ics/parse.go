package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Status      string

	Start  time.Time
	End    time.Time
	AllDay bool
	// StartDate / EndDate are set for all-day events; EndDate is exclusive.
	StartDate civil.Date
	EndDate   civil.Date

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// Cancelled reports whether the event carries STATUS:CANCELLED.
func (ev ParsedEvent) Cancelled() bool {
	return strings.EqualFold(ev.Status, string(ical.ObjectStatusCancelled))
}

// Parse parses a single ICS payload into a list of ParsedEvent.
//
//   - It relies on the underlying library's TZID handling to construct
//     time.Time values (with Location set).
//   - It detects all-day events by inspecting the DTSTART value format and
//     keeps their dates as civil dates.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand recurrences;
//     expansion is done in expand.go.
func Parse(name string, body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", name)
		return nil, err
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "calendar", name)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "calendar", name, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if params := dtStartProp.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.AllDay = true
			}
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	// A missing DTEND means one day for all-day events and an instant
	// otherwise.
	end, err := ve.GetEndAt()
	if err != nil {
		end = start
		if out.AllDay {
			end = start.AddDate(0, 0, 1)
		}
	}
	out.End = end

	if out.AllDay {
		out.StartDate = civil.DateOf(start)
		out.EndDate = civil.DateOf(end)
		if !out.EndDate.After(out.StartDate) {
			out.EndDate = out.StartDate.AddDays(1)
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := ""
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			tzid = tzs[0]
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, tzid); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		tzid := ""
		if tzs, ok := ridProp.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			tzid = tzs[0]
		}
		if t, err := parseICSTime(ridProp.Value, tzid); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseICSTime parses a DATE or DATE-TIME value. Floating values use the
// TZID when given, otherwise time.Local.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
