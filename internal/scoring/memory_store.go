package scoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tmarkov/fraudwatch/internal/pagination"
	"github.com/tmarkov/fraudwatch/internal/reasons"
)

// MemoryRecordStore is an in-memory RecordStore for development and tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	byEvent map[string]*Record
	ordered []*Record // insertion order; sorted by ScoredAt on read
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{byEvent: make(map[string]*Record)}
}

// Save stores the record, replacing any earlier record for the same event.
func (s *MemoryRecordStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRecord(rec)
	if old, ok := s.byEvent[rec.EventID]; ok {
		for i, r := range s.ordered {
			if r == old {
				s.ordered[i] = cp
				break
			}
		}
	} else {
		s.ordered = append(s.ordered, cp)
	}
	s.byEvent[rec.EventID] = cp
	return nil
}

// GetByEventID returns the record for an event.
func (s *MemoryRecordStore) GetByEventID(_ context.Context, eventID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byEvent[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// List returns records matching the query, newest first.
func (s *MemoryRecordStore) List(_ context.Context, q RecordQuery) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	matched := make([]*Record, 0, len(s.ordered))
	for _, rec := range s.ordered {
		if !s.matches(rec, q) {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	// Newest first, id as tiebreak for a stable cursor order.
	sortRecords(matched)

	if cursor != nil {
		for i, rec := range matched {
			if rec.ScoredAt.Before(cursor.Timestamp) ||
				(rec.ScoredAt.Equal(cursor.Timestamp) && rec.ID < cursor.ID) {
				matched = matched[i:]
				break
			}
			if i == len(matched)-1 {
				matched = nil
			}
		}
	}
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(r *Record) (time.Time, string) {
		return r.ScoredAt, r.ID
	})
	out := make([]*Record, len(page))
	for i, rec := range page {
		out[i] = cloneRecord(rec)
	}
	return out, next, nil
}

func (s *MemoryRecordStore) matches(rec *Record, q RecordQuery) bool {
	if q.EntityID != "" && rec.EntityID != q.EntityID {
		return false
	}
	if q.FlaggedOnly && !rec.Flagged {
		return false
	}
	if rec.RiskScore < q.MinRisk {
		return false
	}
	if !q.From.IsZero() && rec.ScoredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !rec.ScoredAt.Before(q.To) {
		return false
	}
	return true
}

// sortRecords orders newest first, descending id as tiebreak.
func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ScoredAt.Equal(recs[j].ScoredAt) {
			return recs[i].ScoredAt.After(recs[j].ScoredAt)
		}
		return recs[i].ID > recs[j].ID
	})
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Reasons = append([]reasons.Reason(nil), rec.Reasons...)
	return &cp
}
