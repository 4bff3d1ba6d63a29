package review

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory review store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory review store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

// Create stores the item.
func (s *MemoryStore) Create(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneItem(item)
	s.items[item.ID] = cp
	return nil
}

// Get returns the item by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

// List returns items matching the query, newest first.
func (s *MemoryStore) List(_ context.Context, q Query) ([]*Item, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	s.mu.RLock()
	matched := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		if q.State != "" && item.State != q.State {
			continue
		}
		if q.EntityID != "" && item.EntityID != q.EntityID {
			continue
		}
		matched = append(matched, cloneItem(item))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Resolve transitions a pending item to a terminal state.
func (s *MemoryStore) Resolve(_ context.Context, id string, state State, notes string, at time.Time) (*Item, error) {
	if !ValidResolution(state) {
		return nil, ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if item.State != StatePending {
		return nil, ErrAlreadyResolved
	}
	item.State = state
	item.Notes = notes
	resolved := at.UTC()
	item.ResolvedAt = &resolved
	return cloneItem(item), nil
}

// CountPending returns the number of pending items.
func (s *MemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if item.State == StatePending {
			n++
		}
	}
	return n, nil
}

func cloneItem(item *Item) *Item {
	cp := *item
	cp.ReasonCodes = append([]string(nil), item.ReasonCodes...)
	if item.ResolvedAt != nil {
		ts := *item.ResolvedAt
		cp.ResolvedAt = &ts
	}
	return &cp
}
