package calendar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/fileutil"
	"calsync/internal/ics"
	"calsync/internal/model"
)

// ICSFile implements Calendar on a local .ics file named by the account's
// calendar id. Ids that are http(s)/webcal URLs are read-only
// subscriptions: they can be queried (so the global policy sees them)
// but never written.
type ICSFile struct {
	fetcher *ics.Fetcher
	now     func() time.Time
	newUID  func() string

	mu sync.Mutex
}

var _ Calendar = (*ICSFile)(nil)

func NewICSFile(fetcher *ics.Fetcher) *ICSFile {
	if fetcher == nil {
		fetcher = ics.NewFetcher("")
	}
	return &ICSFile{
		fetcher: fetcher,
		now:     time.Now,
		newUID:  func() string { return uuid.NewString() + "@calsync" },
	}
}

func (c *ICSFile) QueryEvents(ctx context.Context, account model.CalendarAccount, start, end time.Time, title string) ([]Event, error) {
	body, err := c.read(ctx, account.CalendarID)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return []Event{}, nil
	}

	parsed, err := ics.Parse(account.AccountID, body)
	if err != nil {
		return nil, model.NewServiceError("ics.parse", model.ErrMalformed, err)
	}
	occ, err := ics.Expand(parsed, ics.ExpandConfig{
		Location:   start.Location(),
		RangeStart: start,
		RangeEnd:   end,
	})
	if err != nil {
		return nil, model.NewServiceError("ics.expand", model.ErrMalformed, err)
	}

	out := make([]Event, 0, len(occ))
	for _, o := range occ {
		ev := Event{ID: o.UID, Title: o.Summary, AllDay: o.AllDay}
		if o.AllDay {
			ev.StartDate, ev.EndDate = o.StartDate, o.EndDate
		} else {
			ev.Start, ev.End = o.Start, o.End
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *ICSFile) CreateAllDayEvent(ctx context.Context, account model.CalendarAccount, ev NewEvent) (string, error) {
	if ics.IsRemote(account.CalendarID) {
		return "", model.NewServiceError("ics.create", model.ErrPermission,
			errors.New("subscribed calendars are read-only"))
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewServiceError("ics.create", model.ErrTransport, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.read(ctx, account.CalendarID)
	if err != nil {
		return "", err
	}
	uid := c.newUID()
	out, err := ics.AppendAllDay(body, ics.AllDayEvent{
		UID:         uid,
		Date:        ev.Date,
		Summary:     ev.Title,
		Description: ev.Description,
		Stamp:       c.now().UTC(),
	})
	if err != nil {
		return "", model.NewServiceError("ics.create", model.ErrMalformed, err)
	}
	if err := fileutil.WriteFileAtomic(account.CalendarID, out, 0o600); err != nil {
		return "", model.NewServiceError("ics.create", fileErrKind(err), err)
	}
	return uid, nil
}

// DeleteEvent removes the VEVENTs with UID id, so deleting a recurring
// event removes the whole series. An unknown id is ErrMalformed.
func (c *ICSFile) DeleteEvent(ctx context.Context, account model.CalendarAccount, id string) error {
	if ics.IsRemote(account.CalendarID) {
		return model.NewServiceError("ics.delete", model.ErrPermission,
			errors.New("subscribed calendars are read-only"))
	}
	if err := ctx.Err(); err != nil {
		return model.NewServiceError("ics.delete", model.ErrTransport, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.read(ctx, account.CalendarID)
	if err != nil {
		return err
	}
	out, removed, err := ics.RemoveEvent(body, id)
	if err != nil {
		return model.NewServiceError("ics.delete", model.ErrMalformed, err)
	}
	if removed == 0 {
		return model.NewServiceError("ics.delete", model.ErrMalformed, fmt.Errorf("no event with uid %q", id))
	}
	if err := fileutil.WriteFileAtomic(account.CalendarID, out, 0o600); err != nil {
		return model.NewServiceError("ics.delete", fileErrKind(err), err)
	}
	return nil
}

// read returns the calendar body; a missing local file is an empty
// calendar.
func (c *ICSFile) read(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, model.NewServiceError("ics.read", model.ErrMalformed, errors.New("calendar path is empty"))
	}
	if ics.IsRemote(id) {
		body, _, err := c.fetcher.Fetch(ctx, id)
		if err != nil {
			var se *ics.StatusError
			if errors.As(err, &se) {
				return nil, model.NewServiceError("ics.fetch", kindForStatus(se.Code, nil), err)
			}
			return nil, model.NewServiceError("ics.fetch", model.ErrTransport, err)
		}
		return body, nil
	}

	body, err := os.ReadFile(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewServiceError("ics.read", fileErrKind(err), err)
	}
	return body, nil
}

func fileErrKind(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return model.ErrPermission
	}
	return model.ErrServer
}
