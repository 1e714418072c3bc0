// Package proofs caches solvency proofs per asset and round.
package proofs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/storage/journal"
)

const (
	segmentLimit   = 1000
	maxSegments    = 100
	proofKeyPrefix = "proof_"
)

type proofKey struct {
	asset common.Address
	round uint64
}

// WALStore persists proofs in a WAL and indexes them by (asset, round).
type WALStore struct {
	journal *journal.Journal
	mu      sync.RWMutex
	proofs  map[proofKey]domain.Proof
}

// NewWALStore opens the store under dir and restores saved proofs.
func NewWALStore(dir string) (*WALStore, error) {
	j, err := journal.Open(journal.Config{
		Dir:              dir,
		Prefix:           "proof_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init proof WAL")
	}

	s := &WALStore{journal: j, proofs: make(map[proofKey]domain.Proof)}
	err = j.Replay(func(key string, value []byte) error {
		if !strings.HasPrefix(key, proofKeyPrefix) {
			return nil
		}
		var p domain.Proof
		if err := json.Unmarshal(value, &p); err != nil {
			return errors.Wrap(err, "decode proof")
		}
		s.proofs[proofKey{asset: p.TokenAddress, round: p.Round}] = p
		return nil
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	return s, nil
}

// Save stores p under (p.TokenAddress, p.Round), replacing an earlier proof for the same key.
func (s *WALStore) Save(p domain.Proof) error {
	if s == nil || s.journal == nil {
		return errors.New("proof store is not initialized")
	}

	key := fmt.Sprintf("%s%s_%d", proofKeyPrefix, strings.ToLower(p.TokenAddress.Hex()), p.Round)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.journal.Append(key, p); err != nil {
		return errors.Wrap(err, "save proof")
	}
	s.proofs[proofKey{asset: p.TokenAddress, round: p.Round}] = p
	return nil
}

// Get returns the proof for asset at round, if any.
func (s *WALStore) Get(asset common.Address, round uint64) (domain.Proof, bool, error) {
	if s == nil || s.journal == nil {
		return domain.Proof{}, false, errors.New("proof store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proofs[proofKey{asset: asset, round: round}]
	return p, ok, nil
}

// ForRound returns all proofs of round ordered by token address.
func (s *WALStore) ForRound(round uint64) ([]domain.Proof, error) {
	if s == nil || s.journal == nil {
		return nil, errors.New("proof store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Proof
	for k, p := range s.proofs {
		if k.round == round {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].TokenAddress.Hex()) < strings.ToLower(out[j].TokenAddress.Hex())
	})
	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.journal == nil {
		return errors.New("proof store is not initialized")
	}
	return s.journal.Close()
}
