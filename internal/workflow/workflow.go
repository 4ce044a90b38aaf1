// Package workflow runs one end-to-end pass: find pending calendar photos,
// extract marked dates from each, and hand them to the orchestrator.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/monitor"
	"calsync/internal/orchestrator"
)

// ErrBusy is returned when a pass is requested while another one runs.
var ErrBusy = errors.New("a sync pass is already running")

type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]model.CandidateDate, error)
}

type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (model.RunReport, error)
}

// FileResult is what happened to one image before registration.
type FileResult struct {
	Path        string       `json:"path"`
	ContentHash string       `json:"content_hash"`
	Dates       []civil.Date `json:"dates"`
	Error       string       `json:"error,omitempty"`

	// AlreadyProcessed is set when the ledger holds a final record for
	// the file, so nothing was extracted or registered.
	AlreadyProcessed bool `json:"already_processed,omitempty"`
}

type Result struct {
	StartedAt time.Time        `json:"started_at"`
	Files     []FileResult     `json:"files"`
	Report    *model.RunReport `json:"report,omitempty"`
}

type Workflow struct {
	Scanner   *monitor.Scanner
	Extractor Extractor
	Runner    Runner
	// Ledger lets RunFiles skip files that are already final.
	Ledger    ledger.Store

	Accounts    []model.CalendarAccount
	Title       string
	Description string

	Now func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *Result
}

// Pass processes every pending image in the watched folder.
func (w *Workflow) Pass(ctx context.Context, dryRun bool) (Result, error) {
	if !w.running.TryLock() {
		return Result{}, ErrBusy
	}
	defer w.running.Unlock()

	if w.Scanner == nil {
		return Result{}, fmt.Errorf("%w: no monitor path configured", model.ErrConfiguration)
	}
	images, err := w.Scanner.Pending(ctx)
	if err != nil {
		return Result{}, err
	}
	return w.process(ctx, images, nil, dryRun)
}

// RunFiles processes the given images regardless of the watched folder.
func (w *Workflow) RunFiles(ctx context.Context, paths []string, dryRun bool) (Result, error) {
	if !w.running.TryLock() {
		return Result{}, ErrBusy
	}
	defer w.running.Unlock()

	images := make([]monitor.Image, 0, len(paths))
	for _, p := range paths {
		hash, err := monitor.HashFile(p)
		if err != nil {
			return Result{}, fmt.Errorf("%w: image %s: %v", model.ErrConfiguration, p, err)
		}
		images = append(images, monitor.Image{Path: p, ContentHash: hash})
	}

	pending, err := monitor.Unprocessed(ctx, w.Ledger, images)
	if err != nil {
		return Result{}, err
	}
	done := make([]FileResult, 0, len(images)-len(pending))
	for _, img := range images {
		if !slices.ContainsFunc(pending, func(p monitor.Image) bool { return p.ContentHash == img.ContentHash }) {
			appLog.Info("image already processed", "path", img.Path, "hash", img.ContentHash)
			done = append(done, FileResult{Path: img.Path, ContentHash: img.ContentHash, Dates: []civil.Date{}, AlreadyProcessed: true})
		}
	}

	return w.process(ctx, pending, done, dryRun)
}

// Last returns the most recent completed pass.
func (w *Workflow) Last() (Result, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return Result{}, false
	}
	return *w.last, true
}

// process extracts and registers images; done are reported as they are.
func (w *Workflow) process(ctx context.Context, images []monitor.Image, done []FileResult, dryRun bool) (Result, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	res := Result{StartedAt: now().UTC(), Files: make([]FileResult, 0, len(done)+len(images))}
	res.Files = append(res.Files, done...)

	sources := make([]model.SourceFile, 0, len(images))
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fr := FileResult{Path: img.Path, ContentHash: img.ContentHash, Dates: []civil.Date{}}

		dates, err := w.extract(ctx, img.Path)
		if err != nil {
			// No ledger record, so the file is picked up again next pass.
			appLog.Error("date extraction failed", err, "path", img.Path, "hash", img.ContentHash)
			fr.Error = err.Error()
			res.Files = append(res.Files, fr)
			continue
		}
		fr.Dates = dates
		res.Files = append(res.Files, fr)
		sources = append(sources, model.SourceFile{ContentHash: img.ContentHash, Path: img.Path, Dates: dates})
		appLog.Info("dates extracted", "path", img.Path, "dates", len(dates))
	}

	if len(sources) > 0 {
		report, err := w.Runner.Run(ctx, orchestrator.Request{
			Sources:     sources,
			Accounts:    w.Accounts,
			Title:       w.Title,
			Description: w.Description,
			DryRun:      dryRun,
		})
		if err != nil {
			return res, err
		}
		res.Report = &report
	} else {
		appLog.Info("no pending images with extracted dates", "images", len(images))
	}

	w.mu.Lock()
	w.last = &res
	w.mu.Unlock()
	return res, nil
}

func (w *Workflow) extract(ctx context.Context, path string) ([]civil.Date, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	cands, err := w.Extractor.Extract(ctx, body)
	if err != nil {
		return nil, err
	}
	dates := make([]civil.Date, 0, len(cands))
	for _, c := range cands {
		if c.Confidence == model.ConfidenceLow || !c.Date.IsValid() {
			continue
		}
		dates = append(dates, c.Date)
	}
	return model.SortDates(dates), nil
}
