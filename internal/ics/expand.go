package ics

import (
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	UID     string
	Summary string
	AllDay  bool

	// Start / End are instants in ExpandConfig.Location. For all-day
	// occurrences they are the local midnights of StartDate and EndDate.
	Start time.Time
	End   time.Time

	StartDate civil.Date
	EndDate   civil.Date
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location places all-day events on the timeline and is the zone of
	// every returned occurrence. If nil, time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed events into the occurrences that overlap the
// configured window. It handles single events, RRULE recurrence, EXDATE,
// RECURRENCE-ID overrides and all-day semantics. Cancelled events and
// cancelled overrides produce no occurrence.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]Occurrence, 0)
	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		for _, ev := range baseEvents {
			if ev.Cancelled() {
				continue
			}
			occ, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				appLog.Error("expand: truncated occurrences for UID due to cap",
					errors.New("max occurrences reached"),
					"uid", uid,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		occ := makeOccurrence(ev, ev.Start, ev.End, cfg.Location)
		if !overlaps(occ, cfg) {
			return nil, false
		}
		return []Occurrence{occ}, false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}

	// All-day recurrences are expanded on a UTC date grid so that DST never
	// shifts an occurrence onto a neighbouring day.
	origin := ev.Start
	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	if ev.AllDay {
		origin = ev.StartDate.In(time.UTC)
		rangeStart = civil.DateOf(cfg.RangeStart.In(cfg.Location)).AddDays(-1).In(time.UTC)
		rangeEnd = civil.DateOf(cfg.RangeEnd.In(cfg.Location)).AddDays(1).In(time.UTC)
	} else {
		// Widen by the event duration so instances that started before the
		// window but are still running are found.
		rangeStart = rangeStart.Add(-ev.End.Sub(ev.Start))
	}
	r.DTStart(origin)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if ev.AllDay {
			set.ExDate(civil.DateOf(ex).In(time.UTC))
			continue
		}
		set.ExDate(ex.In(ev.Start.Location()))
	}

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	span := ev.EndDate.DaysSince(ev.StartDate)
	for _, t := range occTimes {
		inst := ev
		var start, end time.Time
		if ev.AllDay {
			inst.StartDate = civil.DateOf(t)
			inst.EndDate = inst.StartDate.AddDays(span)
		} else {
			start = t
			end = t.Add(ev.End.Sub(ev.Start))
		}

		if o, ok := findOverride(ev, overrides, t); ok {
			if o.Cancelled() {
				continue
			}
			inst = o
			start, end = o.Start, o.End
		}

		occ := makeOccurrence(inst, start, end, cfg.Location)
		if overlaps(occ, cfg) {
			out = append(out, occ)
		}
	}

	return out, hitCap
}

// findOverride finds an override whose RECURRENCE-ID matches the instance
// start. All-day instances match on the calendar date.
func findOverride(base ParsedEvent, overrides []ParsedEvent, instance time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if base.AllDay {
			if civil.DateOf(*ov.Recurrence) == civil.DateOf(instance) {
				return ov, true
			}
			continue
		}
		if ov.Recurrence.Equal(instance) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, start, end time.Time, loc *time.Location) Occurrence {
	occ := Occurrence{
		UID:     ev.UID,
		Summary: ev.Summary,
		AllDay:  ev.AllDay,
	}
	if ev.AllDay {
		occ.StartDate = ev.StartDate
		occ.EndDate = ev.EndDate
		occ.Start = ev.StartDate.In(loc)
		occ.End = ev.EndDate.In(loc)
		return occ
	}
	occ.Start = start.In(loc)
	occ.End = end.In(loc)
	occ.StartDate = civil.DateOf(occ.Start)
	occ.EndDate = civil.DateOf(occ.End)
	return occ
}

// overlaps tests the occurrence against the half-open window. Zero-length
// events count when their instant falls inside the window.
func overlaps(occ Occurrence, cfg ExpandConfig) bool {
	if !occ.End.After(occ.Start) {
		return !occ.Start.Before(cfg.RangeStart) && occ.Start.Before(cfg.RangeEnd)
	}
	return occ.Start.Before(cfg.RangeEnd) && cfg.RangeStart.Before(occ.End)
}
