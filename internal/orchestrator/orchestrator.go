// Package orchestrator runs one synchronization pass: it fans extracted
// dates out to every enabled account, aggregates the per-account outcomes,
// notifies, and records each source file in the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calsync/internal/calendar"
	"calsync/internal/dedup"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/registrar"
	"calsync/internal/retry"
)

// Notifier delivers one account's summary. Implementations never fail the
// run; delivery problems are reported in the result.
type Notifier interface {
	Notify(ctx context.Context, account model.CalendarAccount, outcome model.RegistrationOutcome) model.NotificationResult
}

// Request is the input of one run.
type Request struct {
	// Sources are the scanned files and the dates extracted from each.
	Sources []model.SourceFile
	// Dates are extra candidate dates not tied to a source file.
	Dates       []model.CandidateDate
	Accounts    []model.CalendarAccount
	Title       string
	Description string
	DryRun      bool
}

// Orchestrator wires the run's collaborators. Zero-valued optional
// fields get defaults in Run.
type Orchestrator struct {
	Calendar calendar.Calendar
	Ledger   ledger.Store
	Notifier Notifier

	// Location is the default account timezone.
	Location    *time.Location
	Policy      model.Policy
	Concurrency int

	CalendarRetry retry.Policy
	LedgerRetry   retry.Policy

	Now func() time.Time
}

// Run executes one pass. Only ErrConfiguration, ErrLedgerCorrupt and
// ErrLedgerRead (after retries) are returned as errors; every per-date,
// per-account and notification failure is reported inside the RunReport.
func (o *Orchestrator) Run(ctx context.Context, req Request) (model.RunReport, error) {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	policy := o.Policy
	if policy == "" {
		policy = model.PolicyGlobal
	}

	report := model.RunReport{
		RunID:            uuid.NewString(),
		StartedAt:        now().UTC(),
		DryRun:           req.DryRun,
		Policy:           policy,
		Title:            req.Title,
		Outcomes:         []model.RegistrationOutcome{},
		Notifications:    []model.NotificationResult{},
		LedgerCommitted:  []string{},
		LedgerFailed:     []string{},
		AlreadyProcessed: []string{},
	}

	accounts, err := enabledAccounts(req.Accounts)
	if err != nil {
		return report, err
	}
	if req.Title == "" {
		return report, fmt.Errorf("%w: event title is empty", model.ErrConfiguration)
	}
	if policy != model.PolicyClaim && policy != model.PolicyGlobal {
		return report, fmt.Errorf("%w: unknown dedup policy %q", model.ErrConfiguration, policy)
	}

	sources, err := o.pendingSources(ctx, req.Sources, &report)
	if err != nil {
		return report, err
	}
	dates := candidateDates(sources, req.Dates)

	appLog.Info("sync run started",
		"run_id", report.RunID,
		"accounts", len(accounts),
		"sources", len(sources),
		"dates", len(dates),
		"dry_run", req.DryRun,
		"policy", string(policy),
	)

	reg := &registrar.Registrar{
		Calendar: o.Calendar,
		Dedup:    dedup.New(o.Calendar, o.Location),
		Claims:   registrar.NewClaimIndex(),
		Policy:   policy,
		Peers:    accounts,
		Retry:    o.calendarRetry(),
		DryRun:   req.DryRun,
	}

	outcomes := make([]model.RegistrationOutcome, len(accounts))
	notes := make([]*model.NotificationResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(o.concurrency(len(accounts)))
	for i, account := range accounts {
		g.Go(func() error {
			outcomes[i] = reg.RegisterAll(ctx, account, dates, req.Title, req.Description)
			appLog.Info("account finished",
				"run_id", report.RunID,
				"account", account.AccountID,
				"created", len(outcomes[i].Created),
				"skipped", len(outcomes[i].Skipped),
				"would_create", len(outcomes[i].WouldCreate),
				"errors", len(outcomes[i].Errors),
			)
			if !req.DryRun && o.Notifier != nil {
				res := o.Notifier.Notify(ctx, account, outcomes[i])
				notes[i] = &res
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	for _, n := range notes {
		if n != nil {
			report.Notifications = append(report.Notifications, *n)
		}
	}
	report.Tally()

	if !req.DryRun {
		if err := o.commitLedger(ctx, sources, outcomes, &report); err != nil {
			report.FinishedAt = now().UTC()
			return report, err
		}
	}

	report.FinishedAt = now().UTC()
	appLog.Info("sync run finished",
		"run_id", report.RunID,
		"created", report.Counts.Created,
		"skipped", report.Counts.Skipped,
		"would_create", report.Counts.WouldCreate,
		"errors", report.Counts.Errors,
		"ledger_failed", len(report.LedgerFailed),
	)
	return report, nil
}

// enabledAccounts drops disabled accounts and validates the rest before
// any calendar call is made.
func enabledAccounts(all []model.CalendarAccount) ([]model.CalendarAccount, error) {
	seen := map[string]bool{}
	out := make([]model.CalendarAccount, 0, len(all))
	for _, a := range all {
		if !a.Enabled {
			continue
		}
		switch {
		case a.AccountID == "":
			return nil, fmt.Errorf("%w: enabled account without id", model.ErrConfiguration)
		case seen[a.AccountID]:
			return nil, fmt.Errorf("%w: duplicate account id %q", model.ErrConfiguration, a.AccountID)
		case a.CalendarID == "":
			return nil, fmt.Errorf("%w: account %q has no calendar id", model.ErrConfiguration, a.AccountID)
		case (a.Provider == "" || a.Provider == model.ProviderGoogle) && a.TokenFile == "":
			return nil, fmt.Errorf("%w: account %q has no token file", model.ErrConfiguration, a.AccountID)
		}
		seen[a.AccountID] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no enabled accounts", model.ErrConfiguration)
	}
	return out, nil
}

// pendingSources drops sources whose ledger record is final.
func (o *Orchestrator) pendingSources(ctx context.Context, sources []model.SourceFile, report *model.RunReport) ([]model.SourceFile, error) {
	if o.Ledger == nil {
		return sources, nil
	}
	out := make([]model.SourceFile, 0, len(sources))
	for _, src := range sources {
		rec, found, err := o.lookup(ctx, src.ContentHash)
		if err != nil {
			return nil, err
		}
		if found && rec.Outcome.Final() {
			appLog.Info("source already processed", "hash", src.ContentHash, "path", src.Path, "outcome", string(rec.Outcome))
			report.AlreadyProcessed = append(report.AlreadyProcessed, src.ContentHash)
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

type lookupResult struct {
	rec   model.ProcessedFileRecord
	found bool
}

// lookup retries read failures; a corrupt ledger stops at once. It
// ignores cancellation so a cancelled run still records its sources.
func (o *Orchestrator) lookup(ctx context.Context, hash string) (model.ProcessedFileRecord, bool, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := retry.Do(ctx, o.ledgerRetry(), func(ctx context.Context, attempt int) retry.Result[lookupResult] {
		if attempt > 0 {
			appLog.Debug("retrying ledger lookup", "hash", hash, "attempt", attempt+1)
		}
		rec, found, err := o.Ledger.Lookup(ctx, hash)
		switch {
		case err == nil:
			return retry.Ok(lookupResult{rec: rec, found: found})
		case errors.Is(err, model.ErrLedgerCorrupt):
			return retry.Fatal[lookupResult](err)
		default:
			return retry.Retryable[lookupResult](err)
		}
	})
	switch {
	case err == nil:
		return res.rec, res.found, nil
	case errors.Is(err, model.ErrLedgerCorrupt), errors.Is(err, model.ErrLedgerRead):
		return model.ProcessedFileRecord{}, false, err
	default:
		return model.ProcessedFileRecord{}, false, fmt.Errorf("%w: lookup %s: %w", model.ErrLedgerRead, hash, err)
	}
}

func candidateDates(sources []model.SourceFile, extra []model.CandidateDate) []civil.Date {
	all := make([]civil.Date, 0)
	for _, src := range sources {
		for _, d := range src.Dates {
			if d.IsValid() {
				all = append(all, d)
			}
		}
	}
	for _, c := range extra {
		if c.Confidence == model.ConfidenceLow || !c.Date.IsValid() {
			continue
		}
		all = append(all, c.Date)
	}
	return model.SortDates(all)
}

// SourceOutcome derives a file's ledger outcome from the run's
// per-account outcomes.
func SourceOutcome(dates []civil.Date, outcomes []model.RegistrationOutcome) model.Outcome {
	if len(dates) == 0 {
		return model.OutcomeSkippedLowConfidence
	}
	allDuplicate := true
	for _, d := range dates {
		for _, out := range outcomes {
			if out.HasCreated(d) {
				return model.OutcomeRegistered
			}
			reason, skipped := out.Skipped[d]
			if !skipped || !reason.Duplicate() {
				allDuplicate = false
			}
		}
	}
	if allDuplicate {
		return model.OutcomeSkippedDuplicate
	}
	return model.OutcomeFailed
}

func (o *Orchestrator) commitLedger(ctx context.Context, sources []model.SourceFile, outcomes []model.RegistrationOutcome, report *model.RunReport) error {
	if o.Ledger == nil {
		return nil
	}
	// Events created before a cancellation must still be recorded.
	ctx = context.WithoutCancel(ctx)
	for _, src := range sources {
		outcome := SourceOutcome(model.SortDates(src.Dates), outcomes)
		_, err := retry.Do(ctx, o.ledgerRetry(), func(ctx context.Context, _ int) retry.Result[struct{}] {
			err := o.Ledger.Record(ctx, src.ContentHash, outcome, src.Dates, src.Path)
			switch {
			case err == nil:
				return retry.Ok(struct{}{})
			case errors.Is(err, model.ErrLedgerCorrupt):
				return retry.Fatal[struct{}](err)
			default:
				return retry.Retryable[struct{}](err)
			}
		})
		if errors.Is(err, model.ErrLedgerCorrupt) {
			return err
		}
		if err != nil {
			appLog.Error("ledger update failed; flag for manual review", err,
				"run_id", report.RunID, "hash", src.ContentHash, "path", src.Path, "outcome", string(outcome))
			report.LedgerFailed = append(report.LedgerFailed, src.ContentHash)
			continue
		}
		report.LedgerCommitted = append(report.LedgerCommitted, src.ContentHash)
	}
	return nil
}

func (o *Orchestrator) concurrency(n int) int {
	if o.Concurrency > 0 && o.Concurrency < n {
		return o.Concurrency
	}
	return n
}

func (o *Orchestrator) calendarRetry() retry.Policy {
	if o.CalendarRetry.MaxAttempts > 0 {
		return o.CalendarRetry
	}
	return retry.Calendar
}

func (o *Orchestrator) ledgerRetry() retry.Policy {
	if o.LedgerRetry.MaxAttempts > 0 {
		return o.LedgerRetry
	}
	return retry.Ledger
}
