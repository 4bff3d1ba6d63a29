package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/history"
)

var base = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC) // a Monday

func buildProfile(t *testing.T, events ...event.Event) *history.Store {
	t.Helper()
	s := history.NewStore(history.DefaultConfig())
	for _, ev := range events {
		require.NoError(t, s.Append(ev.EntityID, ev))
	}
	return s
}

func ev(id string, offset time.Duration, amount float64, lat, lon float64) event.Event {
	return event.Event{
		ID:         id,
		EntityID:   "acct_1",
		MerchantID: "m_grocery",
		DeviceID:   "dev_phone",
		IP:         "203.0.113.7",
		Amount:     amount,
		Currency:   "USD",
		Timestamp:  base.Add(offset),
		Lat:        lat,
		Lon:        lon,
	}
}

func TestComputeFirstEvent(t *testing.T) {
	s := history.NewStore(history.DefaultConfig())
	e := ev("e1", 0, 49.99, 40.7, -74.0)
	v := Compute(e, s.Snapshot("acct_1"))

	assert.InDelta(t, math.Log1p(49.99), v.LogAmount, 1e-9)
	assert.Zero(t, v.TxCount5m)
	assert.Zero(t, v.TxCount1h)
	assert.Zero(t, v.Spend1h)
	assert.Equal(t, 1.0, v.IsNewMerchant)
	assert.Equal(t, 1.0, v.IsNewDevice)
	assert.Equal(t, 1.0, v.IsNewIP)
	assert.Zero(t, v.DistanceFromLastKm)
	assert.Zero(t, v.SpeedKmph)
	assert.Equal(t, 14.0, v.HourOfDay)
	assert.Equal(t, float64(time.Monday), v.DayOfWeek)
}

func TestComputeVelocityWindows(t *testing.T) {
	s := buildProfile(t,
		ev("e1", -50*time.Minute, 100, 40.7, -74.0),
		ev("e2", -10*time.Minute, 30, 40.7, -74.0),
		ev("e3", -2*time.Minute, 20, 40.7, -74.0),
	)
	e := ev("e4", 0, 10, 40.7, -74.0)
	v := Compute(e, s.Snapshot("acct_1"))

	assert.Equal(t, 1.0, v.TxCount5m)
	assert.Equal(t, 3.0, v.TxCount1h)
	assert.InDelta(t, 150.0, v.Spend1h, 1e-9)
	assert.Zero(t, v.IsNewMerchant)
	assert.Zero(t, v.IsNewDevice)
	assert.Zero(t, v.IsNewIP)
}

func TestComputeNoveltyFlags(t *testing.T) {
	s := buildProfile(t, ev("e1", -time.Minute, 10, 40.7, -74.0))
	e := ev("e2", 0, 10, 40.7, -74.0)
	e.MerchantID = "m_casino"
	e.DeviceID = "dev_unknown"
	v := Compute(e, s.Snapshot("acct_1"))

	assert.Equal(t, 1.0, v.IsNewMerchant)
	assert.Equal(t, 1.0, v.IsNewDevice)
	assert.Zero(t, v.IsNewIP)
}

func TestComputeDistanceAndSpeed(t *testing.T) {
	// One degree of latitude is roughly 111 km.
	s := buildProfile(t, ev("e1", -time.Minute, 10, 40.0, -74.0))
	e := ev("e2", 0, 10, 41.0, -74.0)
	v := Compute(e, s.Snapshot("acct_1"))

	assert.InDelta(t, 111.0, v.DistanceFromLastKm, 0.5)
	// 111 km in one minute is far beyond any plausible travel speed.
	assert.Greater(t, v.SpeedKmph, 6000.0)
}

func TestComputeSpeedZeroWhenNotForward(t *testing.T) {
	s := buildProfile(t, ev("e1", 0, 10, 40.0, -74.0))
	// Same timestamp as the prior event.
	e := ev("e2", 0, 10, 41.0, -74.0)
	v := Compute(e, s.Snapshot("acct_1"))

	assert.Greater(t, v.DistanceFromLastKm, 100.0)
	assert.Zero(t, v.SpeedKmph)
}

func TestHaversine(t *testing.T) {
	assert.Zero(t, Haversine(40.7, -74.0, 40.7, -74.0))
	// New York to London, roughly 5570 km.
	d := Haversine(40.7128, -74.0060, 51.5074, -0.1278)
	assert.InDelta(t, 5570, d, 20)
	// Symmetry.
	assert.InDelta(t, d, Haversine(51.5074, -0.1278, 40.7128, -74.0060), 1e-9)
}

func TestValuesMatchesColumns(t *testing.T) {
	v := Vector{LogAmount: 1, TxCount5m: 2, TxCount1h: 3, Spend1h: 4,
		IsNewMerchant: 5, IsNewDevice: 6, IsNewIP: 7,
		DistanceFromLastKm: 8, SpeedKmph: 9, HourOfDay: 10, DayOfWeek: 11}
	vals := v.Values()
	require.Len(t, vals, len(Columns))
	for i := range vals {
		assert.Equal(t, float64(i+1), vals[i])
	}
}
