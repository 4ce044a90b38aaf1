package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/calendar/calendartest"
	"calsync/internal/ledger"
	"calsync/internal/model"
	"calsync/internal/retry"
)

const title = "出勤"

var (
	sep1 = civil.Date{Year: 2025, Month: 9, Day: 1}
	sep2 = civil.Date{Year: 2025, Month: 9, Day: 2}
)

func account(id string) model.CalendarAccount {
	return model.CalendarAccount{AccountID: id, DisplayName: "Account " + id, CalendarID: id + ".ics", Provider: model.ProviderICS, Enabled: true}
}

type recordingNotifier struct {
	mu      sync.Mutex
	calls   []string
	results map[string]model.NotificationStatus
}

func (n *recordingNotifier) Notify(_ context.Context, a model.CalendarAccount, _ model.RegistrationOutcome) model.NotificationResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a.AccountID)
	status := model.NotificationDelivered
	if s, ok := n.results[a.AccountID]; ok {
		status = s
	}
	return model.NotificationResult{AccountID: a.AccountID, Status: status}
}

type fixture struct {
	fake     *calendartest.Fake
	ledger   *ledger.FileStore
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "processed_files.json"))
	require.NoError(t, err)

	f := &fixture{
		fake:     calendartest.New(),
		ledger:   store,
		notifier: &recordingNotifier{results: map[string]model.NotificationStatus{}},
	}
	f.orch = &Orchestrator{
		Calendar:      f.fake,
		Ledger:        store,
		Notifier:      f.notifier,
		Location:      tokyo,
		Concurrency:   1,
		CalendarRetry: retry.Policy{MaxAttempts: 3},
		LedgerRetry:   retry.Policy{MaxAttempts: 5},
	}
	return f
}

func source(hash string, dates ...civil.Date) model.SourceFile {
	return model.SourceFile{ContentHash: hash, Path: "/scans/" + hash + ".jpg", Dates: dates}
}

func TestTwoAccountScenarioClaimPolicy(t *testing.T) {
	f := newFixture(t)
	f.fake.Seed("A", sep1, title)
	f.orch.Policy = model.PolicyClaim

	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1, sep2)},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
	})
	require.NoError(t, err)

	a, ok := report.Outcome("A")
	require.True(t, ok)
	assert.Equal(t, []civil.Date{sep2}, a.Created)
	assert.Equal(t, model.SkipExisting, a.Skipped[sep1])

	b, ok := report.Outcome("B")
	require.True(t, ok)
	assert.Equal(t, []civil.Date{sep1}, b.Created)
	assert.Equal(t, model.SkipClaimed, b.Skipped[sep2])

	assert.Equal(t, model.RunCounts{Created: 2, Skipped: 2}, report.Counts)
	assert.Equal(t, []string{"h1"}, report.LedgerCommitted)

	rec, found, err := f.ledger.Lookup(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.OutcomeRegistered, rec.Outcome)
	assert.Equal(t, []civil.Date{sep1, sep2}, rec.DetectedDates)
}

func TestTwoAccountScenarioGlobalPolicy(t *testing.T) {
	f := newFixture(t)
	f.fake.Seed("A", sep1, title)
	f.orch.Policy = model.PolicyGlobal

	report, err := f.orch.Run(context.Background(), Request{
		Dates:    []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}, {Date: sep2, Confidence: model.ConfidenceMedium}},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PolicyGlobal, report.Policy)

	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep2}, a.Created)
	assert.Equal(t, model.SkipExisting, a.Skipped[sep1])

	b, _ := report.Outcome("B")
	assert.Empty(t, b.Created)
	assert.Equal(t, model.SkipExistingElsewhere, b.Skipped[sep1])
	assert.Equal(t, model.SkipClaimed, b.Skipped[sep2])
	assert.Zero(t, f.fake.Creates("B"))
}

func TestExactlyOncePerRunUnderParallelism(t *testing.T) {
	f := newFixture(t)
	f.orch.Concurrency = 8

	var dates []model.CandidateDate
	for i := 0; i < 15; i++ {
		dates = append(dates, model.CandidateDate{Date: sep1.AddDays(i), Confidence: model.ConfidenceHigh})
	}
	var accounts []model.CalendarAccount
	for i := 0; i < 6; i++ {
		accounts = append(accounts, account(fmt.Sprintf("acc%d", i)))
	}

	report, err := f.orch.Run(context.Background(), Request{Dates: dates, Accounts: accounts, Title: title})
	require.NoError(t, err)

	for _, cd := range dates {
		creators := 0
		for _, out := range report.Outcomes {
			if out.HasCreated(cd.Date) {
				creators++
			}
			assert.Equal(t, len(dates), out.Total())
		}
		assert.Equal(t, 1, creators, "date %s", cd.Date)
	}
	assert.Equal(t, len(dates), report.Counts.Created)
}

func TestResubmittedRegisteredFileMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	}

	_, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	before, _, err := f.ledger.Lookup(ctx, "h1")
	require.NoError(t, err)
	calls := f.fake.Calls()

	report, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, calls, f.fake.Calls(), "no calendar calls for a final source")
	assert.Equal(t, []string{"h1"}, report.AlreadyProcessed)
	assert.Empty(t, report.LedgerCommitted)

	after, _, err := f.ledger.Lookup(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIdempotentWithoutLedger(t *testing.T) {
	f := newFixture(t)
	f.orch.Ledger = nil
	req := Request{
		Dates:    []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	}
	_, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)

	a, _ := report.Outcome("A")
	assert.Empty(t, a.Created)
	assert.Equal(t, model.SkipExisting, a.Skipped[sep1])
	assert.Equal(t, 1, f.fake.CountTitled("A", sep1, title))
}

func TestTwoAccountRerunGlobalPolicy(t *testing.T) {
	f := newFixture(t)
	f.orch.Ledger = nil
	req := Request{
		Dates:    []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
	}

	first, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyGlobal, first.Policy, "global is the default")
	assert.Equal(t, 1, first.Counts.Created)

	second, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, second.Counts.Created)
	a, _ := second.Outcome("A")
	assert.Equal(t, model.SkipExisting, a.Skipped[sep1])
	b, _ := second.Outcome("B")
	assert.Equal(t, model.SkipExistingElsewhere, b.Skipped[sep1])
	assert.Zero(t, f.fake.Creates("B"))
}

func TestTwoAccountRerunClaimPolicyUsesLedger(t *testing.T) {
	f := newFixture(t)
	f.orch.Policy = model.PolicyClaim
	req := Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
	}

	first, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Counts.Created)
	calls := f.fake.Calls()

	second, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, second.AlreadyProcessed)
	assert.Zero(t, second.Counts.Created)
	assert.Equal(t, calls, f.fake.Calls())
	assert.Zero(t, f.fake.Creates("B"))
}

func TestGlobalPolicyFailingPeerDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.fake.FailQuery("B", calendartest.Permanent(), calendartest.Permanent())

	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1, sep2)},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
	})
	require.NoError(t, err)

	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep1, sep2}, a.Created)
	assert.Empty(t, a.Errors)
	assert.Equal(t, []string{"B"}, a.UnconsultedPeers)
	assert.Equal(t, 2, report.Counts.Created)
	assert.Equal(t, []string{"h1"}, report.LedgerCommitted)
}

func TestDryRunPurity(t *testing.T) {
	f := newFixture(t)
	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1, sep2)},
		Accounts: []model.CalendarAccount{account("A"), account("B")},
		Title:    title,
		DryRun:   true,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)

	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep1, sep2}, a.WouldCreate)
	b, _ := report.Outcome("B")
	assert.Equal(t, model.SkipClaimed, b.Skipped[sep1])
	assert.Equal(t, 2, report.Counts.WouldCreate)

	assert.Zero(t, f.fake.Creates("A"))
	assert.Zero(t, f.fake.Creates("B"))
	assert.Empty(t, f.notifier.calls)
	assert.Empty(t, report.LedgerCommitted)
	recs, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestYearRolloverDate(t *testing.T) {
	f := newFixture(t)
	dec31 := civil.Date{Year: 2025, Month: 12, Day: 31}
	_, err := f.orch.Run(context.Background(), Request{
		Dates:    []model.CandidateDate{{Date: dec31, Confidence: model.ConfidenceHigh}},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)

	events := f.fake.Events("A")
	require.Len(t, events, 1)
	assert.Equal(t, dec31, events[0].StartDate)
	assert.Equal(t, civil.Date{Year: 2026, Month: 1, Day: 1}, events[0].EndDate)
}

func TestConfigurationErrorsBeforeAnyCall(t *testing.T) {
	cases := map[string][]model.CalendarAccount{
		"none enabled":      {{AccountID: "A", CalendarID: "a", Enabled: false}},
		"no accounts":       nil,
		"missing calendar":  {{AccountID: "A", Provider: model.ProviderICS, Enabled: true}},
		"google no token":   {{AccountID: "A", CalendarID: "primary", Provider: model.ProviderGoogle, Enabled: true}},
		"duplicate account": {account("A"), account("A")},
	}
	for name, accounts := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.orch.Run(context.Background(), Request{
				Sources:  []model.SourceFile{source("h1", sep1)},
				Accounts: accounts,
				Title:    title,
			})
			assert.ErrorIs(t, err, model.ErrConfiguration)
			assert.Zero(t, f.fake.Calls())
			recs, lerr := f.ledger.List(context.Background())
			require.NoError(t, lerr)
			assert.Empty(t, recs)
		})
	}
}

func TestDisabledAccountsInvisible(t *testing.T) {
	f := newFixture(t)
	off := account("off")
	off.Enabled = false
	report, err := f.orch.Run(context.Background(), Request{
		Dates:    []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}},
		Accounts: []model.CalendarAccount{account("A"), off},
		Title:    title,
	})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Zero(t, f.fake.Calls()-f.fake.Queries("A")-f.fake.Creates("A"))
	assert.Equal(t, []string{"A"}, f.notifier.calls)
}

func TestLowConfidenceDropped(t *testing.T) {
	f := newFixture(t)
	report, err := f.orch.Run(context.Background(), Request{
		Dates: []model.CandidateDate{
			{Date: sep1, Confidence: model.ConfidenceLow},
			{Date: sep2, Confidence: model.ConfidenceHigh},
		},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep2}, a.Created)
	assert.Equal(t, 1, a.Total())
}

func TestTransientTwiceThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.fake.FailCreate("A", calendartest.Transient(), calendartest.Transient())
	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep1}, a.Created)
	assert.Empty(t, a.Errors)
}

func TestFailedDatesMarkSourceFailed(t *testing.T) {
	f := newFixture(t)
	f.fake.FailCreate("A", calendartest.Permanent())
	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts.Errors)

	rec, _, err := f.ledger.Lookup(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)

	// A failed source is retried on the next run.
	report, err = f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Empty(t, report.AlreadyProcessed)
	rec, _, err = f.ledger.Lookup(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRegistered, rec.Outcome)
}

func TestSourceOutcome(t *testing.T) {
	created := model.NewRegistrationOutcome("A")
	created.Created = []civil.Date{sep1}

	dup := model.NewRegistrationOutcome("B")
	dup.Skipped[sep1] = model.SkipClaimed
	dup.Skipped[sep2] = model.SkipExisting

	mixed := model.NewRegistrationOutcome("C")
	mixed.Skipped[sep1] = model.SkipExisting
	mixed.Errors = []model.DateError{{Date: sep2, Kind: model.ErrorPermanent}}

	cancelled := model.NewRegistrationOutcome("D")
	cancelled.Skipped[sep1] = model.SkipCancelled

	assert.Equal(t, model.OutcomeRegistered, SourceOutcome([]civil.Date{sep1}, []model.RegistrationOutcome{dup, created}))
	assert.Equal(t, model.OutcomeSkippedDuplicate, SourceOutcome([]civil.Date{sep1, sep2}, []model.RegistrationOutcome{dup}))
	assert.Equal(t, model.OutcomeSkippedLowConfidence, SourceOutcome(nil, []model.RegistrationOutcome{created}))
	assert.Equal(t, model.OutcomeFailed, SourceOutcome([]civil.Date{sep1, sep2}, []model.RegistrationOutcome{mixed}))
	assert.Equal(t, model.OutcomeFailed, SourceOutcome([]civil.Date{sep1}, []model.RegistrationOutcome{cancelled}))
}

type flakyLedger struct {
	ledger.Store
	failures int
	calls    int
}

func (l *flakyLedger) Record(ctx context.Context, hash string, outcome model.Outcome, dates []civil.Date, path string) error {
	l.calls++
	if l.calls <= l.failures {
		return fmt.Errorf("%w: disk full", model.ErrLedgerWrite)
	}
	return l.Store.Record(ctx, hash, outcome, dates, path)
}

func TestLedgerWriteRetriedThenFlagged(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLedger{Store: f.ledger, failures: 4}
	f.orch.Ledger = flaky

	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, report.LedgerCommitted)
	assert.Equal(t, 5, flaky.calls)

	flaky.calls, flaky.failures = 0, 10
	report, err = f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h2", sep2)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, report.LedgerFailed)
	assert.Equal(t, 1, report.Counts.Created, "calendar work is still reported")
}

type busyLedger struct {
	ledger.Store
	failures int
	lookups  int
}

func (l *busyLedger) Lookup(ctx context.Context, hash string) (model.ProcessedFileRecord, bool, error) {
	l.lookups++
	if l.lookups <= l.failures {
		return model.ProcessedFileRecord{}, false, fmt.Errorf("%w: database is locked (5) (SQLITE_BUSY)", model.ErrLedgerRead)
	}
	return l.Store.Lookup(ctx, hash)
}

func TestLedgerLookupRetried(t *testing.T) {
	f := newFixture(t)
	busy := &busyLedger{Store: f.ledger, failures: 2}
	f.orch.Ledger = busy

	report, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, busy.lookups)
	assert.Equal(t, 1, report.Counts.Created)
}

func TestLedgerLookupFailureIsNotCorruption(t *testing.T) {
	f := newFixture(t)
	busy := &busyLedger{Store: f.ledger, failures: 100}
	f.orch.Ledger = busy

	_, err := f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	assert.ErrorIs(t, err, model.ErrLedgerRead)
	assert.NotErrorIs(t, err, model.ErrLedgerCorrupt)
	assert.Equal(t, 5, busy.lookups)
	assert.Zero(t, f.fake.Calls())
}

func TestCorruptLedgerAborts(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "processed_files.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	store, err := ledger.NewFileStore(path)
	require.NoError(t, err)
	f.orch.Ledger = store

	_, err = f.orch.Run(context.Background(), Request{
		Sources:  []model.SourceFile{source("h1", sep1)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	assert.True(t, errors.Is(err, model.ErrLedgerCorrupt))
	assert.Zero(t, f.fake.Calls())
}

func TestNotificationFailureDoesNotAlterOutcome(t *testing.T) {
	f := newFixture(t)
	f.notifier.results["A"] = model.NotificationFailed
	report, err := f.orch.Run(context.Background(), Request{
		Dates:    []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	require.Len(t, report.Notifications, 1)
	assert.Equal(t, model.NotificationFailed, report.Notifications[0].Status)
	a, _ := report.Outcome("A")
	assert.Equal(t, []civil.Date{sep1}, a.Created)
	assert.Equal(t, 1, f.fake.Creates("A"))
}

func TestCancelledRunReportsCancelledDates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.orch.Run(ctx, Request{
		Sources:  []model.SourceFile{source("h1", sep1, sep2)},
		Accounts: []model.CalendarAccount{account("A")},
		Title:    title,
	})
	require.NoError(t, err)
	a, _ := report.Outcome("A")
	assert.Equal(t, model.SkipCancelled, a.Skipped[sep1])
	assert.Equal(t, model.SkipCancelled, a.Skipped[sep2])

	rec, found, err := f.ledger.Lookup(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)
}
