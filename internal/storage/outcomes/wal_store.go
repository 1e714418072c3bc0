// Package outcomes persists engine outcomes for streaming to monitors.
package outcomes

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/storage/journal"
)

const (
	segmentLimit     = 1000
	maxSegments      = 10
	outcomeKeyPrefix = "outcome_"
	maxRetained      = segmentLimit * maxSegments
)

// Record an outcome and the index it was written at.
type Record struct {
	Index   uint64         `json:"index"`
	Outcome events.Outcome `json:"outcome"`
}

// WALStore persists outcomes in a WAL.
type WALStore struct {
	journal *journal.Journal
	mu      sync.RWMutex
	records []Record
}

// NewWALStore opens the store under dir and restores retained outcomes.
func NewWALStore(dir string) (*WALStore, error) {
	j, err := journal.Open(journal.Config{
		Dir:              dir,
		Prefix:           "outcome_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init outcome WAL")
	}

	s := &WALStore{journal: j}
	err = j.Replay(func(key string, value []byte) error {
		if key != outcomeKeyPrefix+"record" {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return errors.Wrap(err, "decode outcome")
		}
		s.records = append(s.records, rec)
		return nil
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	sort.Slice(s.records, func(i, k int) bool { return s.records[i].Index < s.records[k].Index })

	return s, nil
}

// Save writes the outcome to the WAL.
func (s *WALStore) Save(o events.Outcome) error {
	if s == nil || s.journal == nil {
		return errors.New("outcome store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{Index: s.journal.NextIndex(), Outcome: o}
	if _, err := s.journal.Append(outcomeKeyPrefix+"record", rec); err != nil {
		return errors.Wrap(err, "save outcome")
	}
	s.records = append(s.records, rec)
	if len(s.records) > maxRetained {
		s.records = s.records[len(s.records)-maxRetained:]
	}
	return nil
}

// EventsAfter returns all outcomes written after the provided index.
func (s *WALStore) EventsAfter(index uint64) ([]Record, error) {
	if s == nil || s.journal == nil {
		return nil, errors.New("outcome store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.records), func(i int) bool { return s.records[i].Index > index })
	if start == len(s.records) {
		return nil, nil
	}
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.journal == nil {
		return errors.New("outcome store is not initialized")
	}
	return s.journal.Close()
}
