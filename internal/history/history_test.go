package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/fraudwatch/internal/event"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mkEvent(id string, offset time.Duration, amount float64) event.Event {
	return event.Event{
		ID:         id,
		EntityID:   "acct_1",
		MerchantID: "m_" + id,
		DeviceID:   "d_" + id,
		IP:         "10.0.0.1",
		Amount:     amount,
		Currency:   "USD",
		Timestamp:  base.Add(offset),
	}
}

func TestSnapshotUnknownEntityIsEmpty(t *testing.T) {
	s := NewStore(DefaultConfig())
	p := s.Snapshot("acct_unknown")
	assert.Equal(t, "acct_unknown", p.EntityID)
	assert.Empty(t, p.Events)
	assert.Zero(t, p.WindowCount)
	assert.Nil(t, p.Last())
}

func TestAppendMaintainsOrderAndAggregates(t *testing.T) {
	s := NewStore(DefaultConfig())
	require.NoError(t, s.Append("acct_1", mkEvent("e2", 10*time.Minute, 20)))
	require.NoError(t, s.Append("acct_1", mkEvent("e1", 5*time.Minute, 10)))
	require.NoError(t, s.Append("acct_1", mkEvent("e3", 15*time.Minute, 30)))

	p := s.Snapshot("acct_1")
	require.Len(t, p.Events, 3)
	assert.Equal(t, "e1", p.Events[0].ID)
	assert.Equal(t, "e3", p.Events[2].ID)
	assert.Equal(t, 3, p.WindowCount)
	assert.InDelta(t, 60.0, p.WindowSpend, 1e-9)
	assert.Equal(t, "e3", p.Last().ID)
}

func TestAppendRejectsDuplicateInWindow(t *testing.T) {
	s := NewStore(DefaultConfig())
	require.NoError(t, s.Append("acct_1", mkEvent("e1", 0, 10)))
	err := s.Append("acct_1", mkEvent("e1", time.Minute, 10))
	assert.ErrorIs(t, err, event.ErrDuplicate)

	p := s.Snapshot("acct_1")
	assert.Equal(t, 1, p.WindowCount)
	assert.InDelta(t, 10.0, p.WindowSpend, 1e-9)
}

func TestWindowEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 30 * time.Minute
	s := NewStore(cfg)
	require.NoError(t, s.Append("acct_1", mkEvent("old", 0, 50)))
	require.NoError(t, s.Append("acct_1", mkEvent("new", 45*time.Minute, 5)))

	p := s.Snapshot("acct_1")
	require.Len(t, p.Events, 1)
	assert.Equal(t, "new", p.Events[0].ID)
	assert.InDelta(t, 5.0, p.WindowSpend, 1e-9)

	// Seen sets and recent amounts survive eviction.
	assert.True(t, p.SeenMerchant("m_old"))
	assert.Equal(t, []float64{50, 5}, p.RecentAmounts)
}

func TestMaxItemsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxItems = 5
	s := NewStore(cfg)
	for i := 0; i < 8; i++ {
		ev := mkEvent(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, 1)
		require.NoError(t, s.Append("acct_1", ev))
	}
	p := s.Snapshot("acct_1")
	assert.Len(t, p.Events, 5)
	assert.Equal(t, "e3", p.Events[0].ID)
	assert.InDelta(t, 5.0, p.WindowSpend, 1e-9)
}

func TestCountAndSpendSince(t *testing.T) {
	s := NewStore(DefaultConfig())
	for i, amt := range []float64{10, 20, 30} {
		ev := mkEvent(fmt.Sprintf("e%d", i), time.Duration(i)*10*time.Minute, amt)
		require.NoError(t, s.Append("acct_1", ev))
	}
	p := s.Snapshot("acct_1")

	now := base.Add(25 * time.Minute)
	assert.Equal(t, 1, p.CountSince(now.Add(-10*time.Minute), now))
	assert.Equal(t, 3, p.CountSince(base, now.Add(time.Hour)))
	assert.InDelta(t, 50.0, p.SpendSince(base.Add(5*time.Minute), now.Add(time.Hour)), 1e-9)
}

func TestRecentAmountsRingAndMedian(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentAmounts = 3
	s := NewStore(cfg)
	for i, amt := range []float64{1, 2, 3, 4, 5} {
		ev := mkEvent(fmt.Sprintf("e%d", i), time.Duration(i)*time.Minute, amt)
		require.NoError(t, s.Append("acct_1", ev))
	}
	p := s.Snapshot("acct_1")
	assert.Equal(t, []float64{3, 4, 5}, p.RecentAmounts)
	med, n := p.MedianRecentAmount()
	assert.Equal(t, 3, n)
	assert.InDelta(t, 4.0, med, 1e-9)
}

func TestRepairDetectsCorruptedAggregates(t *testing.T) {
	repaired := make(chan string, 1)
	s := NewStore(DefaultConfig(), WithRepairCallback(func(id string) { repaired <- id }))
	require.NoError(t, s.Append("acct_1", mkEvent("e1", 0, 10)))

	// Corrupt the cached spend behind the store's back.
	st := s.getOrCreate("acct_1")
	st.windowSpend = 999

	require.NoError(t, s.Append("acct_1", mkEvent("e2", time.Minute, 20)))
	select {
	case id := <-repaired:
		assert.Equal(t, "acct_1", id)
	default:
		t.Fatal("expected repair callback")
	}
	p := s.Snapshot("acct_1")
	assert.InDelta(t, 30.0, p.WindowSpend, 1e-9)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore(DefaultConfig())
	require.NoError(t, s.Append("acct_1", mkEvent("e1", 0, 10)))
	p := s.Snapshot("acct_1")
	p.Events[0].Amount = 999
	p.Merchants["m_injected"] = struct{}{}

	p2 := s.Snapshot("acct_1")
	assert.InDelta(t, 10.0, p2.Events[0].Amount, 1e-9)
	assert.False(t, p2.SeenMerchant("m_injected"))
}

func TestConcurrentAppendsDistinctEntities(t *testing.T) {
	s := NewStore(DefaultConfig())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			entity := fmt.Sprintf("acct_%d", g)
			for i := 0; i < 50; i++ {
				unlock, err := s.Acquire(context.Background(), entity)
				if err != nil {
					t.Error(err)
					return
				}
				ev := mkEvent(fmt.Sprintf("g%d_e%d", g, i), time.Duration(i)*time.Second, 1)
				ev.EntityID = entity
				if err := s.Append(entity, ev); err != nil {
					t.Error(err)
				}
				unlock()
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8, s.Entities())
	for g := 0; g < 8; g++ {
		p := s.Snapshot(fmt.Sprintf("acct_%d", g))
		assert.Equal(t, 50, p.WindowCount)
	}
}
