package ics

import (
	"bytes"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	ical "github.com/arran4/golang-ical"
)

const productID = "-//calsync//calsync ICS store//EN"

// AllDayEvent describes a VALUE=DATE event to append to a calendar.
type AllDayEvent struct {
	UID         string
	Date        civil.Date
	Summary     string
	Description string
	Stamp       time.Time
}

// AppendAllDay adds ev to the calendar in body and returns the serialized
// result. An empty body starts a new calendar.
func AppendAllDay(body []byte, ev AllDayEvent) ([]byte, error) {
	var cal *ical.Calendar
	if len(bytes.TrimSpace(body)) == 0 {
		cal = ical.NewCalendar()
		cal.SetProductId(productID)
		cal.SetMethod(ical.MethodPublish)
	} else {
		parsed, err := ical.ParseCalendar(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse calendar: %w", err)
		}
		cal = parsed
	}

	ve := cal.AddEvent(ev.UID)
	ve.SetDtStampTime(ev.Stamp)
	// Floating dates: the calendar owner's zone decides where the day sits.
	ve.SetAllDayStartAt(ev.Date.In(time.UTC))
	ve.SetAllDayEndAt(ev.Date.AddDays(1).In(time.UTC))
	ve.SetSummary(ev.Summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	ve.SetTimeTransparency(ical.TransparencyTransparent)

	return []byte(cal.Serialize()), nil
}

// RemoveEvent drops every VEVENT whose UID is uid, recurrence overrides
// included, and returns the serialized calendar with the number of
// components removed. Nothing is re-serialized when no component matches.
func RemoveEvent(body []byte, uid string) ([]byte, int, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return body, 0, nil
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("parse calendar: %w", err)
	}

	kept := make([]ical.Component, 0, len(cal.Components))
	removed := 0
	for _, c := range cal.Components {
		if ve, ok := c.(*ical.VEvent); ok && ve.Id() == uid {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if removed == 0 {
		return body, 0, nil
	}
	cal.Components = kept
	return []byte(cal.Serialize()), removed, nil
}
