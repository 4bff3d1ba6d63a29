package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingItem(id string) *Item {
	return &Item{
		ID:          id,
		RecordID:    "score_" + id,
		EventID:     "evt_" + id,
		EntityID:    "acct_1",
		RiskScore:   96.5,
		ReasonCodes: []string{"IMPOSSIBLE_TRAVEL", "NEW_DEVICE"},
		State:       StatePending,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), pendingItem("r1")))

	item, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, item.State)
	assert.Equal(t, []string{"IMPOSSIBLE_TRAVEL", "NEW_DEVICE"}, item.ReasonCodes)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTransitions(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), pendingItem("r1")))

	item, err := s.Resolve(context.Background(), "r1", StateFalsePositive, "customer travelling", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateFalsePositive, item.State)
	assert.Equal(t, "customer travelling", item.Notes)
	require.NotNil(t, item.ResolvedAt)

	// Terminal states are final.
	_, err = s.Resolve(context.Background(), "r1", StateConfirmedFraud, "", time.Now())
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveRejectsInvalidStates(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), pendingItem("r1")))

	_, err := s.Resolve(context.Background(), "r1", StatePending, "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.Resolve(context.Background(), "r1", State("escalated"), "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.Resolve(context.Background(), "missing", StateDismissed, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersAndOrder(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		item := pendingItem(fmt.Sprintf("r%d", i))
		item.CreatedAt = item.CreatedAt.Add(time.Duration(i) * time.Minute)
		if i == 4 {
			item.EntityID = "acct_2"
		}
		require.NoError(t, s.Create(context.Background(), item))
	}
	_, err := s.Resolve(context.Background(), "r0", StateDismissed, "", time.Now())
	require.NoError(t, err)

	pending, err := s.List(context.Background(), Query{State: StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 4)
	// Newest first.
	assert.Equal(t, "r4", pending[0].ID)

	byEntity, err := s.List(context.Background(), Query{EntityID: "acct_2"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "r4", byEntity[0].ID)

	limited, err := s.List(context.Background(), Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountPending(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(context.Background(), pendingItem(fmt.Sprintf("r%d", i))))
	}
	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.Resolve(context.Background(), "r1", StateConfirmedFraud, "", time.Now())
	require.NoError(t, err)
	n, err = s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
