package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// MemoryStore keeps the chain in process memory. It backs tests and
// simulation runs; production deployments use the SQLite or Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*contracts.DecisionRecord
	failing bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetFailing makes every subsequent Insert fail. Tests use it to exercise
// the fail-closed path.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) Insert(_ context.Context, rec *contracts.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("store unavailable")
	}
	if want := uint64(len(s.records)) + 1; rec.Sequence != want {
		return fmt.Errorf("sequence gap: got %d, want %d", rec.Sequence, want)
	}
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

func (s *MemoryStore) Head(context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, genesisDigest, nil
	}
	last := s.records[len(s.records)-1]
	return last.Sequence, last.Digest, nil
}

func (s *MemoryStore) Get(_ context.Context, sequence uint64) (*contracts.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequence < 1 || sequence > uint64(len(s.records)) {
		return nil, ErrRecordNotFound
	}
	clone := *s.records[sequence-1]
	return &clone, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64, fn func(*contracts.DecisionRecord) error) error {
	s.mu.RLock()
	snapshot := make([]*contracts.DecisionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Sequence >= from && rec.Sequence <= to {
			clone := *rec
			snapshot = append(snapshot, &clone)
		}
	}
	s.mu.RUnlock()

	for _, rec := range snapshot {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*contracts.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.DecisionRecord
	for _, rec := range s.records {
		if !filter.Matches(rec) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Tamper overwrites a stored record in place, bypassing the chain. Only
// chain verification tests call this.
func (s *MemoryStore) Tamper(sequence uint64, mutate func(*contracts.DecisionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence < 1 || sequence > uint64(len(s.records)) {
		return ErrRecordNotFound
	}
	mutate(s.records[sequence-1])
	return nil
}
