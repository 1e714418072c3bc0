// Package journal wraps a gowal WAL as an append-only JSON journal that is replayed on open.
package journal

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const dirPermissions = 0o755

// Config WAL layout of a journal.
type Config struct {
	Dir              string
	Prefix           string
	SegmentThreshold int
	MaxSegments      int
}

// Journal appends keyed JSON records to a WAL.
type Journal struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

// Open creates the directory if needed and opens the WAL.
func Open(cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.New("journal dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", cfg.Dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              cfg.Dir,
		Prefix:           cfg.Prefix,
		SegmentThreshold: cfg.SegmentThreshold,
		MaxSegments:      cfg.MaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "init WAL in %s", cfg.Dir)
	}

	return &Journal{wal: wal}, nil
}

// Replay calls fn for every record in write order.
func (j *Journal) Replay(fn func(key string, value []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for msg := range j.wal.Iterator() {
		if err := fn(msg.Key, msg.Value); err != nil {
			return err
		}
	}
	return nil
}

// Append marshals v and writes it under key. It returns the WAL index of the record.
func (j *Journal) Append(key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrapf(err, "marshal %s", key)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	if err := j.wal.Write(nextIndex, key, data); err != nil {
		return 0, errors.Wrapf(err, "write %s", key)
	}
	return nextIndex, nil
}

// NextIndex returns the index the next Append will use.
func (j *Journal) NextIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.CurrentIndex() + 1
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}
