package workflow

import (
	"context"
	"errors"
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
	"calsync/internal/monitor"
	"calsync/internal/orchestrator"
	"calsync/internal/retry"
)

var (
	sep1 = civil.Date{Year: 2025, Month: 9, Day: 1}
	sep2 = civil.Date{Year: 2025, Month: 9, Day: 2}
)

// fakeExtractor answers by image content.
type fakeExtractor struct {
	mu      sync.Mutex
	dates   map[string][]model.CandidateDate
	errs    map[string]error
	calls   int
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeExtractor) Extract(_ context.Context, image []byte) ([]model.CandidateDate, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[string(image)]; err != nil {
		return nil, err
	}
	return f.dates[string(image)], nil
}

type fixture struct {
	dir    string
	fake   *calendartest.Fake
	ledger *ledger.FileStore
	ext    *fakeExtractor
	wf     *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	f := &fixture{
		dir:    dir,
		fake:   calendartest.New(),
		ledger: store,
		ext:    &fakeExtractor{dates: map[string][]model.CandidateDate{}, errs: map[string]error{}},
	}
	f.wf = &Workflow{
		Scanner:   monitor.New(dir, store),
		Extractor: f.ext,
		Ledger:    store,
		Runner: &orchestrator.Orchestrator{
			Calendar:      f.fake,
			Ledger:        store,
			Location:      tokyo,
			CalendarRetry: retry.Policy{MaxAttempts: 3},
			LedgerRetry:   retry.Policy{MaxAttempts: 3},
		},
		Accounts: []model.CalendarAccount{{AccountID: "A", CalendarID: "a.ics", Provider: model.ProviderICS, Enabled: true}},
		Title:    "出勤",
	}
	return f
}

func (f *fixture) image(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPassRegistersAndRecords(t *testing.T) {
	f := newFixture(t)
	f.image(t, "sep.jpg", "september")
	f.image(t, "blank.jpg", "blank")
	f.ext.dates["september"] = []model.CandidateDate{
		{Date: sep2, Confidence: model.ConfidenceHigh},
		{Date: sep1, Confidence: model.ConfidenceMedium},
		{Date: sep1.AddDays(5), Confidence: model.ConfidenceLow},
	}

	res, err := f.wf.Pass(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, res.Files, 2)
	require.NotNil(t, res.Report)
	assert.Equal(t, 2, res.Report.Counts.Created)
	assert.Equal(t, []civil.Date{sep1, sep2}, res.Files[1].Dates)

	recs, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	outcomes := map[string]model.Outcome{}
	for _, r := range recs {
		outcomes[filepath.Base(r.SourcePath)] = r.Outcome
	}
	assert.Equal(t, model.OutcomeRegistered, outcomes["sep.jpg"])
	assert.Equal(t, model.OutcomeSkippedLowConfidence, outcomes["blank.jpg"])

	last, ok := f.wf.Last()
	require.True(t, ok)
	assert.Equal(t, res.StartedAt, last.StartedAt)

	// Nothing is pending on the next pass.
	calls := f.ext.calls
	res, err = f.wf.Pass(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Nil(t, res.Report)
	assert.Equal(t, calls, f.ext.calls)
}

func TestExtractionErrorLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.image(t, "bad.jpg", "bad")
	f.image(t, "good.jpg", "good")
	f.ext.errs["bad"] = errors.New("model timeout")
	f.ext.dates["good"] = []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}}

	res, err := f.wf.Pass(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "model timeout", res.Files[0].Error)
	assert.Empty(t, res.Files[1].Error)

	bad, err := monitor.HashFile(filepath.Join(f.dir, "bad.jpg"))
	require.NoError(t, err)
	_, found, err := f.ledger.Lookup(context.Background(), bad)
	require.NoError(t, err)
	assert.False(t, found)

	// The failed image is retried on the next pass.
	delete(f.ext.errs, "bad")
	res, err = f.wf.Pass(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, filepath.Join(f.dir, "bad.jpg"), res.Files[0].Path)
}

func TestDryRunPassWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.image(t, "sep.jpg", "september")
	f.ext.dates["september"] = []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}}

	res, err := f.wf.Pass(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.Counts.WouldCreate)
	assert.Zero(t, f.fake.Creates("A"))

	recs, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunFiles(t *testing.T) {
	f := newFixture(t)
	p := f.image(t, "sep.jpg", "september")
	f.ext.dates["september"] = []model.CandidateDate{{Date: sep1, Confidence: model.ConfidenceHigh}}

	res, err := f.wf.RunFiles(context.Background(), []string{p}, false)
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.Counts.Created)

	_, err = f.wf.RunFiles(context.Background(), []string{filepath.Join(f.dir, "missing.jpg")}, false)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestRunFilesSkipsFinalRecordsBeforeExtraction(t *testing.T) {
	f := newFixture(t)
	done := f.image(t, "done.jpg", "done")
	fresh := f.image(t, "fresh.jpg", "fresh")
	f.ext.dates["fresh"] = []model.CandidateDate{{Date: sep2, Confidence: model.ConfidenceHigh}}

	hash, err := monitor.HashFile(done)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Record(context.Background(), hash, model.OutcomeRegistered, []civil.Date{sep1}, done))

	res, err := f.wf.RunFiles(context.Background(), []string{done, fresh}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ext.calls, "only the unprocessed image reaches the extractor")

	require.Len(t, res.Files, 2)
	assert.Equal(t, done, res.Files[0].Path)
	assert.True(t, res.Files[0].AlreadyProcessed)
	assert.Equal(t, fresh, res.Files[1].Path)
	assert.False(t, res.Files[1].AlreadyProcessed)
	assert.Equal(t, []civil.Date{sep2}, res.Files[1].Dates)

	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.Counts.Created)
	assert.Empty(t, res.Report.AlreadyProcessed)
}

func TestOnePassAtATime(t *testing.T) {
	f := newFixture(t)
	f.image(t, "sep.jpg", "september")
	f.ext.entered = make(chan struct{}, 1)
	f.ext.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.wf.Pass(context.Background(), true)
		done <- err
	}()
	<-f.ext.entered

	_, err := f.wf.Pass(context.Background(), true)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.wf.RunFiles(context.Background(), nil, true)
	assert.ErrorIs(t, err, ErrBusy)

	close(f.ext.block)
	require.NoError(t, <-done)
}

func TestPassWithoutScanner(t *testing.T) {
	wf := &Workflow{}
	_, err := wf.Pass(context.Background(), false)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
