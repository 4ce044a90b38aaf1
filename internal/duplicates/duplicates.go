// Package duplicates finds days on which a calendar holds the same title
// more than once and, when asked, deletes all but one event per day.
package duplicates

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/calendar"
	"calsync/internal/dedup"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/retry"
)

// KeepPolicy picks the event that survives on a duplicated day.
type KeepPolicy string

const (
	// KeepFirst keeps the earliest created event.
	KeepFirst KeepPolicy = "first"
	// KeepLast keeps the most recently created event.
	KeepLast KeepPolicy = "last"
)

func ParseKeepPolicy(s string) (KeepPolicy, error) {
	switch p := KeepPolicy(s); p {
	case KeepFirst, KeepLast:
		return p, nil
	case "":
		return KeepFirst, nil
	default:
		return "", fmt.Errorf("%w: keep policy must be first or last, got %q", model.ErrConfiguration, s)
	}
}

// MonthRange returns the half-open date range of one calendar month.
func MonthRange(year int, month time.Month) (from, to civil.Date) {
	from = civil.Date{Year: year, Month: month, Day: 1}
	next := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return from, civil.DateOf(next)
}

// Group is one local day with more than one event of the audited title.
type Group struct {
	Date    civil.Date        `json:"date"`
	Keep    string            `json:"keep"`
	Extra   []string          `json:"extra"`
	// Series are extras left alone because their id also covers other
	// days; deleting one would remove a whole recurring series.
	Series  []string          `json:"series,omitempty"`
	Deleted []string          `json:"deleted,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type AccountReport struct {
	AccountID  string  `json:"account_id"`
	Groups     []Group `json:"groups"`
	Duplicates int     `json:"duplicates"`
	Deleted    int     `json:"deleted"`
	Error      string  `json:"error,omitempty"`
}

type Report struct {
	Title    string          `json:"title"`
	From     civil.Date      `json:"from"`
	To       civil.Date      `json:"to"`
	Keep     KeepPolicy      `json:"keep_policy"`
	Applied  bool            `json:"applied"`
	Accounts []AccountReport `json:"accounts"`
}

// Cleaner audits accounts one at a time.
type Cleaner struct {
	Calendar calendar.Calendar
	// Location is used for accounts without their own timezone.
	Location *time.Location
	Keep     KeepPolicy
	Retry    retry.Policy
}

// Run audits [from, to) for title in every account. With apply set the
// extras of each group are deleted; otherwise nothing is written. A
// failing account is reported and the rest still run. Only cancellation
// is returned as an error.
func (c *Cleaner) Run(ctx context.Context, accounts []model.CalendarAccount, from, to civil.Date, title string, apply bool) (Report, error) {
	keep := c.Keep
	if keep == "" {
		keep = KeepFirst
	}
	rep := Report{Title: title, From: from, To: to, Keep: keep, Applied: apply, Accounts: []AccountReport{}}

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ar, err := c.audit(ctx, account, from, to, title, keep)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			ar.Error = err.Error()
			appLog.Error("duplicate audit failed", err, "account", account.AccountID)
			rep.Accounts = append(rep.Accounts, ar)
			continue
		}
		if apply {
			c.apply(ctx, account, &ar)
		}
		appLog.Info("duplicate audit finished",
			"account", account.AccountID,
			"title", title,
			"days", len(ar.Groups),
			"duplicates", ar.Duplicates,
			"deleted", ar.Deleted,
			"applied", apply,
		)
		rep.Accounts = append(rep.Accounts, ar)
	}
	return rep, ctx.Err()
}

func (c *Cleaner) audit(ctx context.Context, account model.CalendarAccount, from, to civil.Date, title string, keep KeepPolicy) (AccountReport, error) {
	ar := AccountReport{AccountID: account.AccountID, Groups: []Group{}}
	loc := account.Location(c.location())
	start, _ := dedup.Window(from, loc)
	end, _ := dedup.Window(to, loc)

	events, err := retry.Do(ctx, c.Retry, func(ctx context.Context, _ int) retry.Result[[]calendar.Event] {
		evs, err := c.Calendar.QueryEvents(ctx, account, start, end, title)
		return retry.Classify(evs, err, model.IsTransient)
	})
	if err != nil {
		return ar, fmt.Errorf("query %s from %s to %s: %w", account.AccountID, from, to, err)
	}

	byDay := map[civil.Date][]calendar.Event{}
	days := map[string]int{}
	for _, ev := range events {
		day := localDay(ev, loc)
		if day.Before(from) || !day.Before(to) {
			continue
		}
		ds, de := dedup.Window(day, loc)
		if !dedup.Matches(ev, title, ds, de, loc) {
			continue
		}
		byDay[day] = append(byDay[day], ev)
		days[ev.ID]++
	}

	for _, day := range sortedDays(byDay) {
		evs := byDay[day]
		if len(evs) < 2 {
			continue
		}
		slices.SortFunc(evs, func(a, b calendar.Event) int {
			return cmp.Or(
				a.Created.Compare(b.Created),
				startOf(a, loc).Compare(startOf(b, loc)),
				cmp.Compare(a.ID, b.ID),
			)
		})
		kept := evs[0]
		if keep == KeepLast {
			kept = evs[len(evs)-1]
		}

		g := Group{Date: day, Keep: kept.ID, Extra: []string{}}
		for _, ev := range evs {
			switch {
			case ev.ID == kept.ID:
			case days[ev.ID] > 1:
				g.Series = append(g.Series, ev.ID)
			default:
				g.Extra = append(g.Extra, ev.ID)
			}
		}
		ar.Duplicates += len(evs) - 1
		ar.Groups = append(ar.Groups, g)
		appLog.Info("duplicate day found",
			"account", account.AccountID,
			"date", day.String(),
			"count", len(evs),
			"keep", kept.ID,
			"extra", g.Extra,
		)
	}
	return ar, nil
}

// apply deletes every extra. A failed delete is recorded on its group and
// the rest still run.
func (c *Cleaner) apply(ctx context.Context, account model.CalendarAccount, ar *AccountReport) {
	for i := range ar.Groups {
		g := &ar.Groups[i]
		for _, id := range g.Extra {
			if ctx.Err() != nil {
				return
			}
			_, err := retry.Do(ctx, c.Retry, func(ctx context.Context, _ int) retry.Result[struct{}] {
				return retry.Classify(struct{}{}, c.Calendar.DeleteEvent(ctx, account, id), model.IsTransient)
			})
			if err != nil {
				if g.Failed == nil {
					g.Failed = map[string]string{}
				}
				g.Failed[id] = err.Error()
				appLog.Error("duplicate delete failed", err, "account", account.AccountID, "date", g.Date.String(), "event_id", id)
				continue
			}
			g.Deleted = append(g.Deleted, id)
			ar.Deleted++
			appLog.Info("duplicate deleted", "account", account.AccountID, "date", g.Date.String(), "event_id", id)
		}
	}
}

func (c *Cleaner) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func localDay(ev calendar.Event, loc *time.Location) civil.Date {
	if ev.AllDay {
		return ev.StartDate
	}
	return civil.DateOf(ev.Start.In(loc))
}

func startOf(ev calendar.Event, loc *time.Location) time.Time {
	if ev.AllDay {
		return ev.StartDate.In(loc)
	}
	return ev.Start
}

func sortedDays(m map[civil.Date][]calendar.Event) []civil.Date {
	out := make([]civil.Date, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b civil.Date) int { return a.Compare(b) })
	return out
}
