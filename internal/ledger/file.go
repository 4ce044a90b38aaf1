package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"calsync/internal/fileutil"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// FileStore keeps the ledger as one JSON object keyed by content hash.
// Every write rewrites the whole file through a temp file and rename, so a
// crash leaves either the old or the new ledger on disk.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: ledger path is empty", model.ErrConfiguration)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

func (s *FileStore) Lookup(_ context.Context, hash string) (model.ProcessedFileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return model.ProcessedFileRecord{}, false, err
	}
	rec, ok := recs[hash]
	return rec, ok, nil
}

func (s *FileStore) Record(_ context.Context, hash string, outcome model.Outcome, dates []civil.Date, sourcePath string) error {
	if err := validate(hash, outcome); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[hash] = newRecord(hash, outcome, dates, sourcePath, s.now())
	if err := s.save(recs); err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	appLog.Debug("ledger record written", "hash", hash, "outcome", string(outcome))
	return nil
}

func (s *FileStore) Clear(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := recs[hash]; !ok {
		return nil
	}
	delete(recs, hash)
	if err := s.save(recs); err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	return nil
}

func (s *FileStore) ClearAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(map[string]model.ProcessedFileRecord{}); err != nil {
		return fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	}
	return nil
}

func (s *FileStore) List(context.Context) ([]model.ProcessedFileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.ProcessedFileRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// load reads the ledger. A missing or empty file is an empty ledger.
func (s *FileStore) load() (map[string]model.ProcessedFileRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]model.ProcessedFileRecord{}, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	recs := map[string]model.ProcessedFileRecord{}
	if len(data) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrLedgerCorrupt, s.path, err)
	}
	for hash, r := range recs {
		if r.ContentHash == "" {
			r.ContentHash = hash
			recs[hash] = r
		}
	}
	return recs, nil
}

func (s *FileStore) save(recs map[string]model.ProcessedFileRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(s.path, data, 0o600)
}
