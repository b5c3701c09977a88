// Package ledger persists the final state of finished jobs so status lookups
// survive a restart.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"videoingest/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for a job.
	ErrNotFound = errors.New("ledger record not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

const keyPrefix = "job/"

// Store is a Pebble-backed record of job outcomes keyed by job id.
type Store struct {
	mu  sync.RWMutex
	db  *pebble.DB
	now func() time.Time
}

// Open opens or creates the ledger at dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("ledger directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func key(jobID string) []byte {
	return []byte(keyPrefix + jobID)
}

// Put stores state, replacing any previous record for the job.
func (s *Store) Put(state models.JobState) error {
	if strings.TrimSpace(state.JobID) == "" {
		return errors.New("job id is required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set(key(state.JobID), data, pebble.Sync); err != nil {
		return fmt.Errorf("write job %s: %w", state.JobID, err)
	}
	return nil
}

// Get returns the record for jobID or ErrNotFound.
func (s *Store) Get(jobID string) (models.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return models.JobState{}, ErrClosed
	}
	data, closer, err := s.db.Get(key(jobID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.JobState{}, ErrNotFound
		}
		return models.JobState{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	defer closer.Close()
	var state models.JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.JobState{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return state, nil
}

// List returns up to limit records, most recently finished first. A limit of
// zero or less returns every record.
func (s *Store) List(limit int) ([]models.JobState, error) {
	var states []models.JobState
	err := s.scan(func(_ []byte, state models.JobState) {
		states = append(states, state)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		return finishedAt(states[i]).After(finishedAt(states[j]))
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

// Prune deletes records that finished more than olderThan ago and reports how
// many were removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	var stale [][]byte
	err := s.scan(func(k []byte, state models.JobState) {
		if finishedAt(state).Before(cutoff) {
			stale = append(stale, append([]byte(nil), k...))
		}
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range stale {
		if err := batch.Delete(k, nil); err != nil {
			return 0, fmt.Errorf("stage ledger delete: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return len(stale), nil
}

func (s *Store) scan(fn func(k []byte, state models.JobState)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("job0"),
	})
	if err != nil {
		return fmt.Errorf("iterate ledger: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var state models.JobState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			continue
		}
		fn(iter.Key(), state)
	}
	return iter.Error()
}

func finishedAt(state models.JobState) time.Time {
	if state.FinishedAt != nil {
		return *state.FinishedAt
	}
	return state.QueuedAt
}

// Close flushes and closes the database; later reads and writes return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
