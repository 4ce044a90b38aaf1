package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Google implements Calendar on the Google Calendar v3 API. One service is
// built per account from its OAuth client file and stored token, then
// cached for the life of the process.
type Google struct {
	// opts, when set, replace the per-account credentials. Tests point
	// them at an httptest server.
	opts []option.ClientOption

	mu       sync.Mutex
	services map[string]*gcal.Service
}

var _ Calendar = (*Google)(nil)

func NewGoogle(opts ...option.ClientOption) *Google {
	return &Google{opts: opts, services: map[string]*gcal.Service{}}
}

func (g *Google) service(ctx context.Context, account model.CalendarAccount) (*gcal.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if svc, ok := g.services[account.AccountID]; ok {
		return svc, nil
	}

	opts := g.opts
	if len(opts) == 0 {
		ts, err := TokenSource(account.CredentialsFile, account.TokenFile, gcal.CalendarEventsScope)
		if err != nil {
			return nil, model.NewServiceError("calendar.auth", model.ErrAuth, err)
		}
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, model.NewServiceError("calendar.service", model.ErrAuth, err)
	}
	g.services[account.AccountID] = svc
	return svc, nil
}

// TokenSource builds a refreshing token source from an OAuth client JSON
// file and a previously stored token JSON file.
func TokenSource(credentialsFile, tokenFile string, scopes ...string) (oauth2.TokenSource, error) {
	if tokenFile == "" {
		return nil, errors.New("token file is not configured")
	}
	tok, err := loadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	if credentialsFile == "" {
		return oauth2.StaticTokenSource(tok), nil
	}
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(raw, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	// The source outlives any single request, so it must not carry one.
	return cfg.TokenSource(context.Background(), tok), nil
}

func (g *Google) QueryEvents(ctx context.Context, account model.CalendarAccount, start, end time.Time, title string) ([]Event, error) {
	svc, err := g.service(ctx, account)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(account.CalendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(250)
	if title != "" {
		call = call.Q(title)
	}

	out := make([]Event, 0)
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			ev, cerr := convertEvent(item)
			if cerr != nil {
				appLog.Debug("skipping unparsable event", "account", account.AccountID, "id", item.Id, "err", cerr.Error())
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, ClassifyGoogleErr("events.list", err)
	}
	return out, nil
}

func (g *Google) CreateAllDayEvent(ctx context.Context, account model.CalendarAccount, ev NewEvent) (string, error) {
	svc, err := g.service(ctx, account)
	if err != nil {
		return "", err
	}

	body := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{Date: ev.Date.String(), TimeZone: ev.Timezone},
		End:         &gcal.EventDateTime{Date: ev.Date.AddDays(1).String(), TimeZone: ev.Timezone},
		Reminders: &gcal.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
	}

	created, err := svc.Events.Insert(account.CalendarID, body).Context(ctx).Do()
	if err != nil {
		return "", ClassifyGoogleErr("events.insert", err)
	}
	return created.Id, nil
}

func (g *Google) DeleteEvent(ctx context.Context, account model.CalendarAccount, id string) error {
	svc, err := g.service(ctx, account)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(account.CalendarID, id).Context(ctx).Do(); err != nil {
		return ClassifyGoogleErr("events.delete", err)
	}
	return nil
}

func convertEvent(item *gcal.Event) (Event, error) {
	ev := Event{ID: item.Id, Title: item.Summary}
	if item.Created != "" {
		if t, err := time.Parse(time.RFC3339, item.Created); err == nil {
			ev.Created = t
		}
	}
	if item.Start == nil || item.End == nil {
		return ev, errors.New("event without start or end")
	}

	if item.Start.Date != "" {
		sd, err := civil.ParseDate(item.Start.Date)
		if err != nil {
			return ev, err
		}
		ed := sd.AddDays(1)
		if item.End.Date != "" {
			if d, err := civil.ParseDate(item.End.Date); err == nil && d.After(sd) {
				ed = d
			}
		}
		ev.AllDay = true
		ev.StartDate = sd
		ev.EndDate = ed
		return ev, nil
	}

	st, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return ev, err
	}
	et, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		et = st
	}
	ev.Start = st
	ev.End = et
	return ev, nil
}

// ClassifyGoogleErr maps Google API and transport failures onto the service
// error kinds.
func ClassifyGoogleErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return model.NewServiceError(op, kindForStatus(gerr.Code, reasons(gerr)), err)
	}

	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewServiceError(op, model.ErrTransport, err)
	}
	return model.NewServiceError(op, model.ErrMalformed, err)
}

func reasons(gerr *googleapi.Error) []string {
	out := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		out = append(out, item.Reason)
	}
	return out
}

func kindForStatus(code int, reasons []string) error {
	for _, r := range reasons {
		switch strings.TrimSpace(r) {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return model.ErrRateLimit
		}
	}
	return model.KindForHTTPStatus(code)
}
