package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/model"
	"calsync/internal/retry"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the ledger in a WAL-mode SQLite database. Writes are
// single upserts, so concurrent processes are serialized by SQLite's
// writer lock; transient lock errors are retried.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	policy retry.Policy
}

var _ Store = (*SQLiteStore)(nil)

var sqliteRetry = retry.Policy{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: ledger path is empty", model.ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db, now: time.Now, policy: sqliteRetry}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS processed_files (
		content_hash   TEXT PRIMARY KEY,
		source_path    TEXT NOT NULL,
		processed_at   TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		detected_dates TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_files(processed_at);
	`)
	return err
}

// isTransientSQLiteErr matches the lock and WAL contention errors that
// modernc.org/sqlite surfaces as text.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) retry.Result[struct{}] {
		_, err := s.db.ExecContext(ctx, query, args...)
		return retry.Classify(struct{}{}, err, isTransientSQLiteErr)
	})
	return err
}

// Lookup retries lock contention. Other read errors are ErrLedgerRead;
// undecodable rows are ErrLedgerCorrupt.
func (s *SQLiteStore) Lookup(ctx context.Context, hash string) (model.ProcessedFileRecord, bool, error) {
	rec, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) retry.Result[model.ProcessedFileRecord] {
		row := s.db.QueryRowContext(ctx,
			`SELECT content_hash, source_path, processed_at, outcome, detected_dates
			 FROM processed_files WHERE content_hash = ?`, hash)
		rec, err := scanRecord(row)
		if errors.Is(err, model.ErrLedgerCorrupt) || errors.Is(err, sql.ErrNoRows) {
			return retry.Fatal[model.ProcessedFileRecord](err)
		}
		return retry.Classify(rec, err, isTransientSQLiteErr)
	})
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return model.ProcessedFileRecord{}, false, nil
	case errors.Is(err, model.ErrLedgerCorrupt):
		return model.ProcessedFileRecord{}, false, err
	default:
		return model.ProcessedFileRecord{}, false, fmt.Errorf("%w: %v", model.ErrLedgerRead, err)
	}
}

func (s *SQLiteStore) Record(ctx context.Context, hash string, outcome model.Outcome, dates []civil.Date, sourcePath string) error {
	if err := validate(hash, outcome); err != nil {
		return err
	}
	rec := newRecord(hash, outcome, dates, sourcePath, s.now())
	encoded, err := json.Marshal(rec.DetectedDates)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	err = s.exec(ctx,
		`INSERT INTO processed_files (content_hash, source_path, processed_at, outcome, detected_dates)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO UPDATE SET
		   source_path = excluded.source_path,
		   processed_at = excluded.processed_at,
		   outcome = excluded.outcome,
		   detected_dates = excluded.detected_dates`,
		rec.ContentHash, rec.SourcePath, rec.ProcessedAt.Format(time.RFC3339), string(rec.Outcome), string(encoded),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, hash string) error {
	if err := s.exec(ctx, `DELETE FROM processed_files WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	return nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if err := s.exec(ctx, `DELETE FROM processed_files`); err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.ProcessedFileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, source_path, processed_at, outcome, detected_dates
		 FROM processed_files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ProcessedFileRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.ProcessedFileRecord, error) {
	var rec model.ProcessedFileRecord
	var processedAt, outcome, dates string
	if err := sc.Scan(&rec.ContentHash, &rec.SourcePath, &processedAt, &outcome, &dates); err != nil {
		return rec, err
	}
	t, err := time.Parse(time.RFC3339, processedAt)
	if err != nil {
		return rec, fmt.Errorf("%w: processed_at %q: %v", model.ErrLedgerCorrupt, processedAt, err)
	}
	rec.ProcessedAt = t
	rec.Outcome = model.Outcome(outcome)
	rec.DetectedDates = []civil.Date{}
	if err := json.Unmarshal([]byte(dates), &rec.DetectedDates); err != nil {
		return rec, fmt.Errorf("%w: detected_dates for %s: %v", model.ErrLedgerCorrupt, rec.ContentHash, err)
	}
	return rec, nil
}
