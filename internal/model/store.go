package model

import (
	"context"
	"sort"
	"sync"
)

// RunStore persists completed training runs.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// List returns run metadata, newest first.
	List(ctx context.Context, limit int) ([]Summary, error)
	// Latest returns the most recent run, or ErrRunNotFound when none exist.
	Latest(ctx context.Context) (*Run, error)
}

// MemoryRunStore is an in-memory RunStore for development and tests.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// Save stores the run.
func (s *MemoryRunStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// Get returns the run by id.
func (s *MemoryRunStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// List returns run metadata, newest first.
func (s *MemoryRunStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].TrainedAt.Equal(all[j].TrainedAt) {
			return all[i].TrainedAt.After(all[j].TrainedAt)
		}
		return all[i].ID > all[j].ID
	})
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Summary, 0, limit)
	for _, r := range all[:limit] {
		out = append(out, r.Summarize(false))
	}
	return out, nil
}

// Latest returns the most recent run.
func (s *MemoryRunStore) Latest(_ context.Context) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Run
	for _, r := range s.runs {
		if latest == nil || r.TrainedAt.After(latest.TrainedAt) ||
			(r.TrainedAt.Equal(latest.TrainedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrRunNotFound
	}
	cp := *latest
	return &cp, nil
}
