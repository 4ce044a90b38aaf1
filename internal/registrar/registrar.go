// Package registrar creates all-day events for one account, skipping
// dates that already exist or that a sibling account claimed this run.
package registrar

import (
	"context"
	"errors"
	"slices"

	"cloud.google.com/go/civil"

	"calsync/internal/calendar"
	"calsync/internal/dedup"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/retry"
)

// Registrar holds the run-wide settings shared by every account.
type Registrar struct {
	Calendar calendar.Calendar
	Dedup    *dedup.Deduplicator
	Claims   *ClaimIndex
	Policy   model.Policy
	// Peers are the run's enabled accounts, consulted under PolicyGlobal.
	Peers  []model.CalendarAccount
	Retry  retry.Policy
	DryRun bool
}

type skipError struct{ reason model.SkipReason }

func (e skipError) Error() string { return string(e.reason) }

// RegisterAll processes dates in ascending order and always returns an
// outcome in which every date sits in exactly one bucket. It never stops
// early on a per-date failure; after ctx is cancelled the remaining dates
// are reported as skipped(cancelled).
func (r *Registrar) RegisterAll(ctx context.Context, account model.CalendarAccount, dates []civil.Date, title, description string) model.RegistrationOutcome {
	out := model.NewRegistrationOutcome(account.AccountID)

	for _, date := range model.SortDates(dates) {
		if ctx.Err() != nil {
			out.Skipped[date] = model.SkipCancelled
			continue
		}

		id, unconsulted, err := r.registerOne(ctx, account, date, title, description)
		for _, p := range unconsulted {
			if !slices.Contains(out.UnconsultedPeers, p) {
				out.UnconsultedPeers = append(out.UnconsultedPeers, p)
			}
		}
		var skip skipError
		switch {
		case err == nil && r.DryRun:
			out.WouldCreate = append(out.WouldCreate, date)
		case err == nil:
			out.Created = append(out.Created, date)
			appLog.Info("event created", "account", account.AccountID, "date", date.String(), "event_id", id)
		case errors.As(err, &skip):
			out.Skipped[date] = skip.reason
			appLog.Debug("date skipped", "account", account.AccountID, "date", date.String(), "reason", string(skip.reason))
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			out.Skipped[date] = model.SkipCancelled
		default:
			kind := model.ErrorPermanent
			if errors.Is(err, retry.ErrExhausted) {
				kind = model.ErrorTransientExhausted
			}
			out.Errors = append(out.Errors, model.DateError{Date: date, Kind: kind, Message: err.Error()})
			appLog.Error("event registration failed", err, "account", account.AccountID, "date", date.String(), "kind", string(kind))
		}
	}
	slices.Sort(out.UnconsultedPeers)
	return out
}

// registerOne returns the created event id, a skipError, or a failure,
// plus the peers that could not be consulted.
func (r *Registrar) registerOne(ctx context.Context, account model.CalendarAccount, date civil.Date, title, description string) (string, []string, error) {
	owner, ok, err := r.Claims.Acquire(ctx, date, title, account.AccountID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		appLog.Debug("date claimed by sibling", "account", account.AccountID, "date", date.String(), "owner", owner)
		return "", nil, skipError{model.SkipClaimed}
	}

	id, unconsulted, err := r.checkAndCreate(ctx, account, date, title, description)
	if err != nil {
		r.Claims.Release(date, title, account.AccountID)
		return "", unconsulted, err
	}
	r.Claims.Confirm(date, title, account.AccountID)
	return id, unconsulted, nil
}

func (r *Registrar) checkAndCreate(ctx context.Context, account model.CalendarAccount, date civil.Date, title, description string) (string, []string, error) {
	exists, err := r.exists(ctx, account, date, title)
	if err != nil {
		return "", nil, err
	}
	if exists {
		return "", nil, skipError{model.SkipExisting}
	}

	var unconsulted []string
	if r.Policy == model.PolicyGlobal {
		for _, peer := range r.Peers {
			if peer.AccountID == account.AccountID {
				continue
			}
			found, err := r.exists(ctx, peer, date, title)
			if err != nil {
				if ctx.Err() != nil {
					return "", unconsulted, err
				}
				// A broken peer must not block this account.
				appLog.Error("peer calendar not consulted", err, "account", account.AccountID, "peer", peer.AccountID, "date", date.String())
				unconsulted = append(unconsulted, peer.AccountID)
				continue
			}
			if found {
				appLog.Debug("date exists in peer calendar", "account", account.AccountID, "peer", peer.AccountID, "date", date.String())
				return "", unconsulted, skipError{model.SkipExistingElsewhere}
			}
		}
	}

	if r.DryRun {
		return "", unconsulted, nil
	}
	id, err := r.create(ctx, account, date, title, description)
	return id, unconsulted, err
}

func (r *Registrar) exists(ctx context.Context, account model.CalendarAccount, date civil.Date, title string) (bool, error) {
	return retry.Do(ctx, r.Retry, func(ctx context.Context, _ int) retry.Result[bool] {
		found, err := r.Dedup.Exists(ctx, account, date, title)
		return retry.Classify(found, err, model.IsTransient)
	})
}

// create inserts the event. Before each retry it checks the calendar
// again, since a timed-out insert may still have landed.
func (r *Registrar) create(ctx context.Context, account model.CalendarAccount, date civil.Date, title, description string) (string, error) {
	tz := r.Dedup.Location(account).String()
	return retry.Do(ctx, r.Retry, func(ctx context.Context, attempt int) retry.Result[string] {
		if attempt > 0 {
			found, err := r.Dedup.Exists(ctx, account, date, title)
			if err != nil {
				return retry.Classify("", err, model.IsTransient)
			}
			if found {
				return retry.Ok("")
			}
		}
		id, err := r.Calendar.CreateAllDayEvent(ctx, account, calendar.NewEvent{
			Date:        date,
			Title:       title,
			Description: description,
			Timezone:    tz,
		})
		return retry.Classify(id, err, model.IsTransient)
	})
}
