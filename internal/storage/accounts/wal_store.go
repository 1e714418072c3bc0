// Package accounts persists the per-wallet protocol cursor.
package accounts

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/storage/journal"
)

const (
	segmentLimit     = 100
	maxSegments      = 10
	accountKeyPrefix = "account_"
)

// WALStore keeps the latest AccountRecord per wallet. Every Save appends the full
// record, so replay leaves the most recent one in place.
type WALStore struct {
	journal *journal.Journal
	mu      sync.RWMutex
	records map[common.Address]domain.AccountRecord
}

// NewWALStore opens the store under dir and restores saved records.
func NewWALStore(dir string) (*WALStore, error) {
	j, err := journal.Open(journal.Config{
		Dir:              dir,
		Prefix:           "account_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init account WAL")
	}

	s := &WALStore{journal: j, records: make(map[common.Address]domain.AccountRecord)}
	err = j.Replay(func(key string, value []byte) error {
		if !strings.HasPrefix(key, accountKeyPrefix) {
			return nil
		}
		var rec domain.AccountRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return errors.Wrap(err, "decode account record")
		}
		s.records[rec.Wallet] = rec
		return nil
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	return s, nil
}

// Get returns the record for wallet, if any.
func (s *WALStore) Get(wallet common.Address) (domain.AccountRecord, bool, error) {
	if s == nil || s.journal == nil {
		return domain.AccountRecord{}, false, errors.New("account store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[wallet]
	return rec, ok, nil
}

// Save persists rec, replacing any earlier record for the same wallet.
func (s *WALStore) Save(rec domain.AccountRecord) error {
	if s == nil || s.journal == nil {
		return errors.New("account store is not initialized")
	}
	if rec.Wallet == (common.Address{}) {
		return errors.New("account wallet is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.journal.Append(accountKeyPrefix+strings.ToLower(rec.Wallet.Hex()), rec); err != nil {
		return errors.Wrap(err, "save account record")
	}
	s.records[rec.Wallet] = rec
	return nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.journal == nil {
		return errors.New("account store is not initialized")
	}
	return s.journal.Close()
}
