package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"paceq/pkg/logx"
)

// fileStore keeps the whole result set in memory and snapshots it to a single
// JSON file on every mutation. Result sets are bounded by the retention
// window, so the rewrite cost stays trivial.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	records map[string]ResultRecord
}

type fileSnapshot struct {
	Records     map[string]ResultRecord `json:"records"`
	LastUpdated time.Time               `json:"last_updated"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, path: path, records: map[string]ResultRecord{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh store
	case err != nil:
		return nil, err
	default:
		var snap fileSnapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			// A corrupt snapshot is not fatal: results are transient data.
			log.Warn("result snapshot unreadable; starting empty", logx.String("path", path), logx.Err(err))
		} else if snap.Records != nil {
			st.records = snap.Records
		}
	}

	// Drop anything past retention left over from a previous run.
	cutoff := time.Now().Add(-cfg.EffectiveRetention())
	n := 0
	for id, rec := range st.records {
		if rec.FinishedAt.Before(cutoff) {
			delete(st.records, id)
			n++
		}
	}
	if len(st.records) > 0 || n > 0 {
		log.Info("result store loaded", logx.Int("records", len(st.records)), logx.Int("expired", n))
	}
	return st, nil
}

func (s *fileStore) Put(ctx context.Context, rec ResultRecord) error {
	if rec.ID == "" {
		return errors.New("result record needs an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return s.flushLocked()
}

func (s *fileStore) Get(ctx context.Context, id string) (ResultRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, s.flushLocked()
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.FinishedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.flushLocked()
}

func (s *fileStore) Close() error { return nil }

// flushLocked writes the snapshot atomically (temp file + rename).
func (s *fileStore) flushLocked() error {
	snap := fileSnapshot{Records: s.records, LastUpdated: time.Now()}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
