package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Event
	sorted []*Event // ascending by timestamp, ties by insertion order
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Event)}
}

func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ev.ID]; exists {
		return ErrDuplicate
	}

	cp := *ev
	s.byID[cp.ID] = &cp

	// Insert keeping timestamp order; events usually arrive near-ordered so
	// this is a short scan from the tail.
	i := sort.Search(len(s.sorted), func(i int) bool {
		return s.sorted[i].Timestamp.After(cp.Timestamp)
	})
	s.sorted = append(s.sorted, nil)
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Event
	for i := len(s.sorted) - 1; i >= 0 && len(result) < limit; i-- {
		ev := s.sorted[i]
		if q.EntityID != "" && ev.EntityID != q.EntityID {
			continue
		}
		if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !ev.Timestamp.Before(q.To) {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ListRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Event, 0, len(s.sorted))
	for _, ev := range s.sorted {
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !ev.Timestamp.Before(to) {
			continue
		}
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}
