// Package calendartest provides an in-memory calendar.Calendar for tests.
package calendartest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/calendar"
	"calsync/internal/model"
)

// Fake stores all-day events per account and records every call. Errors
// can be scripted per account; each scripted error is returned once.
type Fake struct {
	mu sync.Mutex

	events      map[string][]calendar.Event
	queries     map[string]int
	creates     map[string]int
	deletes     map[string]int
	createErrs  map[string][]error
	queryErrs   map[string][]error
	deleteErrs  map[string][]error
	lastCreated map[string]calendar.NewEvent
	nextID      int

	// BeforeCreate, when set, runs before each create with the lock released.
	BeforeCreate func(ctx context.Context, account model.CalendarAccount, ev calendar.NewEvent)
}

var _ calendar.Calendar = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		events:      map[string][]calendar.Event{},
		queries:     map[string]int{},
		creates:     map[string]int{},
		deletes:     map[string]int{},
		createErrs:  map[string][]error{},
		queryErrs:   map[string][]error{},
		deleteErrs:  map[string][]error{},
		lastCreated: map[string]calendar.NewEvent{},
	}
}

// epoch anchors Created; each stored event is a minute newer than the last.
var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Seed adds a pre-existing all-day event to accountID's calendar and
// returns its id.
func (f *Fake) Seed(accountID string, date civil.Date, title string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("seed-%d", f.nextID)
	f.events[accountID] = append(f.events[accountID], calendar.Event{
		ID:        id,
		Title:     title,
		AllDay:    true,
		StartDate: date,
		EndDate:   date.AddDays(1),
		Created:   epoch.Add(time.Duration(f.nextID) * time.Minute),
	})
	return id
}

// FailCreate queues errors returned by the next creates for accountID.
func (f *Fake) FailCreate(accountID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs[accountID] = append(f.createErrs[accountID], errs...)
}

// FailQuery queues errors returned by the next queries for accountID.
func (f *Fake) FailQuery(accountID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErrs[accountID] = append(f.queryErrs[accountID], errs...)
}

// FailDelete queues errors returned by the next deletes for accountID.
func (f *Fake) FailDelete(accountID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErrs[accountID] = append(f.deleteErrs[accountID], errs...)
}

// Events returns a copy of accountID's events.
func (f *Fake) Events(accountID string) []calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calendar.Event(nil), f.events[accountID]...)
}

// CountTitled counts accountID's events on date with exactly title.
func (f *Fake) CountTitled(accountID string, date civil.Date, title string) int {
	n := 0
	for _, ev := range f.Events(accountID) {
		if ev.Title == title && ev.StartDate == date {
			n++
		}
	}
	return n
}

func (f *Fake) Queries(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[accountID]
}

func (f *Fake) Creates(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[accountID]
}

func (f *Fake) Deletes(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[accountID]
}

// Calls is the total number of calendar calls across accounts.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.queries {
		n += c
	}
	for _, c := range f.creates {
		n += c
	}
	for _, c := range f.deletes {
		n += c
	}
	return n
}

// LastCreated returns the last create request seen for accountID.
func (f *Fake) LastCreated(accountID string) (calendar.NewEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.lastCreated[accountID]
	return ev, ok
}

func (f *Fake) QueryEvents(ctx context.Context, account model.CalendarAccount, start, end time.Time, _ string) ([]calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries[account.AccountID]++
	if err := popErr(f.queryErrs, account.AccountID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewServiceError("fake.query", model.ErrTransport, err)
	}

	loc := start.Location()
	out := make([]calendar.Event, 0)
	for _, ev := range f.events[account.AccountID] {
		s, e := ev.StartDate.In(loc), ev.EndDate.In(loc)
		if s.Before(end) && start.Before(e) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) CreateAllDayEvent(ctx context.Context, account model.CalendarAccount, ev calendar.NewEvent) (string, error) {
	if f.BeforeCreate != nil {
		f.BeforeCreate(ctx, account, ev)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates[account.AccountID]++
	f.lastCreated[account.AccountID] = ev
	if err := popErr(f.createErrs, account.AccountID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewServiceError("fake.create", model.ErrTransport, err)
	}

	f.nextID++
	id := fmt.Sprintf("evt-%d", f.nextID)
	f.events[account.AccountID] = append(f.events[account.AccountID], calendar.Event{
		ID:        id,
		Title:     ev.Title,
		AllDay:    true,
		StartDate: ev.Date,
		EndDate:   ev.Date.AddDays(1),
		Created:   epoch.Add(time.Duration(f.nextID) * time.Minute),
	})
	return id, nil
}

func (f *Fake) DeleteEvent(ctx context.Context, account model.CalendarAccount, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes[account.AccountID]++
	if err := popErr(f.deleteErrs, account.AccountID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return model.NewServiceError("fake.delete", model.ErrTransport, err)
	}

	events := f.events[account.AccountID]
	for i, ev := range events {
		if ev.ID == id {
			f.events[account.AccountID] = append(events[:i:i], events[i+1:]...)
			return nil
		}
	}
	return model.NewServiceError("fake.delete", model.ErrMalformed, fmt.Errorf("410 event %s is gone", id))
}

func popErr(m map[string][]error, key string) error {
	q := m[key]
	if len(q) == 0 {
		return nil
	}
	m[key] = q[1:]
	return q[0]
}

// Transient is a retryable service error for scripting failures.
func Transient() error {
	return model.NewServiceError("fake", model.ErrServer, fmt.Errorf("503 backend error"))
}

// Permanent is a non-retryable service error for scripting failures.
func Permanent() error {
	return model.NewServiceError("fake", model.ErrPermission, fmt.Errorf("403 forbidden"))
}
