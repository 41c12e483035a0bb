// Package storage archives backtest reports in Pebble.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/simex/pkg/backtest"
)

var (
	ErrNotFound    = errors.New("storage: report not found")
	ErrEmptyRunID  = errors.New("storage: report has no run id")
	ErrNegativeArg = errors.New("storage: limit must not be negative")
)

type ReportStore struct {
	db *pebble.DB
}

func NewReportStore(path string) (*ReportStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open report store %s: %w", path, err)
	}
	return &ReportStore{db: db}, nil
}

// NewMemReportStore keeps everything in memory.
func NewMemReportStore() (*ReportStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory report store: %w", err)
	}
	return &ReportStore{db: db}, nil
}

func (s *ReportStore) Close() error { return s.db.Close() }

// Save writes the report and its time index in one batch. Saving the same
// run again replaces it.
func (s *ReportStore) Save(r backtest.Report) error {
	if r.RunID == "" {
		return ErrEmptyRunID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	if old, err := s.Load(r.RunID); err == nil {
		if err := b.Delete(reportTSKey(old.StartedAt.UnixNano(), old.RunID), nil); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := b.Set(reportKey(r.RunID), data, nil); err != nil {
		return err
	}
	if err := b.Set(reportTSKey(r.StartedAt.UnixNano(), r.RunID), []byte(r.RunID), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (s *ReportStore) Load(runID string) (backtest.Report, error) {
	data, closer, err := s.db.Get(reportKey(runID))
	if errors.Is(err, pebble.ErrNotFound) {
		return backtest.Report{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return backtest.Report{}, fmt.Errorf("failed to get report: %w", err)
	}
	defer closer.Close()

	var r backtest.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return backtest.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return r, nil
}

// Recent returns up to limit reports, newest first by start time. limit 0
// returns all of them.
func (s *ReportStore) Recent(limit int) ([]backtest.Report, error) {
	ids, err := s.recentIDs(limit)
	if err != nil {
		return nil, err
	}
	out := make([]backtest.Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ReportStore) recentIDs(limit int) ([]string, error) {
	if limit < 0 {
		return nil, ErrNegativeArg
	}
	prefix := []byte(prefixReportTS)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.Last(); iter.Valid() && (limit == 0 || len(ids) < limit); iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	return ids, iter.Error()
}

// Delete removes a report. Unknown ids are not an error.
func (s *ReportStore) Delete(runID string) error {
	old, err := s.Load(runID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(reportKey(runID), nil); err != nil {
		return err
	}
	if err := b.Delete(reportTSKey(old.StartedAt.UnixNano(), runID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Prune keeps the newest keep reports and deletes the rest. Returns how many
// were deleted.
func (s *ReportStore) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, ErrNegativeArg
	}
	ids, err := s.recentIDs(0)
	if err != nil {
		return 0, err
	}
	if len(ids) <= keep {
		return 0, nil
	}
	for _, id := range ids[keep:] {
		if err := s.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(ids) - keep, nil
}
