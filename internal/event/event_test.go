package event

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(id string, ts time.Time) *Event {
	return &Event{
		ID:         id,
		EntityID:   "user_1",
		MerchantID: "m_target",
		DeviceID:   "dev_abc",
		IP:         "203.0.113.7",
		Amount:     42.50,
		Currency:   "USD",
		Timestamp:  ts,
		Lat:        41.8781,
		Lon:        -87.6298,
		Channel:    "web",
	}
}

func TestValidate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validEvent("evt_1", base).Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing id", func(e *Event) { e.ID = "" }, "eventId"},
		{"missing entity", func(e *Event) { e.EntityID = "" }, "entityId"},
		{"bad merchant", func(e *Event) { e.MerchantID = "has spaces" }, "merchantId"},
		{"missing device", func(e *Event) { e.DeviceID = "" }, "deviceId"},
		{"bad ip", func(e *Event) { e.IP = "nope" }, "ip"},
		{"nan amount", func(e *Event) { e.Amount = math.NaN() }, "amount"},
		{"negative amount", func(e *Event) { e.Amount = -1 }, "amount"},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, "timestamp"},
		{"lat out of range", func(e *Event) { e.Lat = 95 }, "lat"},
		{"inf lon", func(e *Event) { e.Lon = math.Inf(-1) }, "lon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent("evt_1", base)
			tt.mutate(ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestMemoryStore_AppendDedupe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, validEvent("evt_1", base)))
	err := s.Append(ctx, validEvent("evt_1", base.Add(time.Second)))
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, base, got.Timestamp)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; List must come back newest first.
	require.NoError(t, s.Append(ctx, validEvent("evt_2", base.Add(2*time.Minute))))
	require.NoError(t, s.Append(ctx, validEvent("evt_1", base.Add(time.Minute))))
	require.NoError(t, s.Append(ctx, validEvent("evt_3", base.Add(3*time.Minute))))

	got, err := s.List(ctx, Query{EntityID: "user_1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "evt_3", got[0].ID)
	assert.Equal(t, "evt_2", got[1].ID)
	assert.Equal(t, "evt_1", got[2].ID)
}

func TestMemoryStore_ListRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := validEvent("evt_"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.Append(ctx, ev))
	}

	got, err := s.ListRange(ctx, base.Add(time.Hour), base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3) // hours 1, 2, 3; [from, to)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
