// Package calendar defines the calendar capability the sync core talks to
// and its Google Calendar and local ICS-file implementations.
package calendar

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/model"
)

// Event is a provider-neutral view of one calendar entry.
type Event struct {
	ID     string
	Title  string
	AllDay bool

	// StartDate / EndDate are set for all-day events; EndDate is exclusive.
	StartDate civil.Date
	EndDate   civil.Date

	// Start / End are set for timed events.
	Start time.Time
	End   time.Time

	// Created is when the provider first stored the event; zero when the
	// provider does not say.
	Created time.Time
}

// NewEvent is the all-day event the core asks a provider to create.
type NewEvent struct {
	Date        civil.Date
	Title       string
	Description string
	// Timezone is the IANA zone the event belongs to.
	Timezone string
}

// Calendar is the capability used by the deduplicator, the registrar and
// the duplicate cleanup.
// Errors are *model.ServiceError values so callers can tell transient
// failures from permanent ones.
type Calendar interface {
	// QueryEvents lists events overlapping [start, end). A non-empty title
	// may be used as a server-side filter; callers still compare titles.
	QueryEvents(ctx context.Context, account model.CalendarAccount, start, end time.Time, title string) ([]Event, error)
	// CreateAllDayEvent creates ev and returns the provider's event id.
	CreateAllDayEvent(ctx context.Context, account model.CalendarAccount, ev NewEvent) (string, error)
	// DeleteEvent removes the event with id from the account's calendar.
	DeleteEvent(ctx context.Context, account model.CalendarAccount, id string) error
}

// Router dispatches each call to the backend registered for the
// account's provider.
type Router struct {
	backends map[model.Provider]Calendar
}

var _ Calendar = (*Router)(nil)

func NewRouter() *Router {
	return &Router{backends: map[model.Provider]Calendar{}}
}

// Register installs c as the backend for provider p.
func (r *Router) Register(p model.Provider, c Calendar) *Router {
	r.backends[p] = c
	return r
}

func (r *Router) backend(account model.CalendarAccount) (Calendar, error) {
	p := account.Provider
	if p == "" {
		p = model.ProviderGoogle
	}
	c, ok := r.backends[p]
	if !ok {
		return nil, model.NewServiceError("route", model.ErrMalformed,
			fmt.Errorf("no backend for provider %q (account %s)", p, account.AccountID))
	}
	return c, nil
}

func (r *Router) QueryEvents(ctx context.Context, account model.CalendarAccount, start, end time.Time, title string) ([]Event, error) {
	c, err := r.backend(account)
	if err != nil {
		return nil, err
	}
	return c.QueryEvents(ctx, account, start, end, title)
}

func (r *Router) CreateAllDayEvent(ctx context.Context, account model.CalendarAccount, ev NewEvent) (string, error) {
	c, err := r.backend(account)
	if err != nil {
		return "", err
	}
	return c.CreateAllDayEvent(ctx, account, ev)
}

func (r *Router) DeleteEvent(ctx context.Context, account model.CalendarAccount, id string) error {
	c, err := r.backend(account)
	if err != nil {
		return err
	}
	return c.DeleteEvent(ctx, account, id)
}
