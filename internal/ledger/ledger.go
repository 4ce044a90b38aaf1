// Package ledger records which source files have been processed, keyed by
// content hash, so the same bytes never trigger calendar writes twice.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/model"
)

// Store is the durable processed-file ledger.
type Store interface {
	// Lookup returns the record for hash. found is false for unknown hashes.
	Lookup(ctx context.Context, hash string) (rec model.ProcessedFileRecord, found bool, err error)
	// Record creates or replaces the record for hash.
	Record(ctx context.Context, hash string, outcome model.Outcome, dates []civil.Date, sourcePath string) error
	Clear(ctx context.Context, hash string) error
	ClearAll(ctx context.Context) error
	// List returns every record, most recently processed first.
	List(ctx context.Context) ([]model.ProcessedFileRecord, error)
	Close() error
}

const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// Open returns the backend named by driver.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverJSON:
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: unknown ledger driver %q", model.ErrConfiguration, driver)
	}
}

func validate(hash string, outcome model.Outcome) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("%w: empty content hash", model.ErrLedgerWrite)
	}
	if !outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", model.ErrLedgerWrite, outcome)
	}
	return nil
}

func newRecord(hash string, outcome model.Outcome, dates []civil.Date, sourcePath string, now time.Time) model.ProcessedFileRecord {
	sorted := model.SortDates(dates)
	if sorted == nil {
		sorted = []civil.Date{}
	}
	return model.ProcessedFileRecord{
		ContentHash:   hash,
		SourcePath:    sourcePath,
		ProcessedAt:   now.UTC().Truncate(time.Second),
		Outcome:       outcome,
		DetectedDates: sorted,
	}
}

func sortRecords(recs []model.ProcessedFileRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ProcessedAt.Equal(recs[j].ProcessedAt) {
			return recs[i].ContentHash < recs[j].ContentHash
		}
		return recs[i].ProcessedAt.After(recs[j].ProcessedAt)
	})
}
