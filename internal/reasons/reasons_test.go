package reasons

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/features"
	"github.com/tmarkov/fraudwatch/internal/history"
)

func baseEvent() event.Event {
	return event.Event{
		ID:         "evt_1",
		EntityID:   "acct_1",
		MerchantID: "m_grocery",
		DeviceID:   "dev_phone",
		IP:         "203.0.113.7",
		Amount:     25,
		Currency:   "USD",
		Timestamp:  time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
}

func emptyProfile() *history.Profile {
	return history.NewStore(history.DefaultConfig()).Snapshot("acct_1")
}

func codes(rs []Reason) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Code
	}
	return out
}

func TestNoReasonsForQuietEvent(t *testing.T) {
	v := features.Vector{HourOfDay: 14}
	rs := Evaluate(baseEvent(), v, emptyProfile(), DefaultConfig())
	assert.Empty(t, rs)
}

func TestSeverityOrdering(t *testing.T) {
	v := features.Vector{
		SpeedKmph:          1200,
		DistanceFromLastKm: 600,
		TxCount5m:          4,
		IsNewDevice:        1,
		IsNewIP:            1,
		IsNewMerchant:      1,
		Spend1h:            950,
		HourOfDay:          2,
	}
	rs := Evaluate(baseEvent(), v, emptyProfile(), DefaultConfig())
	assert.Equal(t, []string{
		CodeImpossibleTravel,
		CodeHighVelocity5m,
		CodeNewDevice,
		CodeNewIP,
		CodeHighSpend1h,
		CodeNewMerchant,
		CodeUnusualHour,
	}, codes(rs))
	for i := 1; i < len(rs); i++ {
		assert.Greater(t, rs[i-1].Severity, rs[i].Severity)
	}
}

func TestThresholdBoundaries(t *testing.T) {
	cfg := DefaultConfig()

	rs := Evaluate(baseEvent(), features.Vector{SpeedKmph: 899.9, HourOfDay: 14}, emptyProfile(), cfg)
	assert.NotContains(t, codes(rs), CodeImpossibleTravel)
	rs = Evaluate(baseEvent(), features.Vector{SpeedKmph: 900, HourOfDay: 14}, emptyProfile(), cfg)
	assert.Contains(t, codes(rs), CodeImpossibleTravel)

	rs = Evaluate(baseEvent(), features.Vector{TxCount5m: 2, HourOfDay: 14}, emptyProfile(), cfg)
	assert.NotContains(t, codes(rs), CodeHighVelocity5m)
	rs = Evaluate(baseEvent(), features.Vector{TxCount5m: 3, HourOfDay: 14}, emptyProfile(), cfg)
	assert.Contains(t, codes(rs), CodeHighVelocity5m)

	rs = Evaluate(baseEvent(), features.Vector{Spend1h: 800, HourOfDay: 14}, emptyProfile(), cfg)
	assert.Contains(t, codes(rs), CodeHighSpend1h)
}

func TestAmountSpikeNeedsEnoughHistory(t *testing.T) {
	cfg := DefaultConfig()
	store := history.NewStore(history.DefaultConfig())
	ts := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)

	// Nine priors at amount 20: below the minimum history for the rule.
	for i := 0; i < 9; i++ {
		ev := baseEvent()
		ev.ID = fmt.Sprintf("evt_p%d", i)
		ev.Amount = 20
		ev.Timestamp = ts.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Append("acct_1", ev))
	}
	spike := baseEvent()
	spike.Amount = 500
	rs := Evaluate(spike, features.Vector{HourOfDay: 14}, store.Snapshot("acct_1"), cfg)
	assert.NotContains(t, codes(rs), CodeAmountSpike)

	// A tenth prior crosses the minimum.
	tenth := baseEvent()
	tenth.ID = "evt_p9"
	tenth.Amount = 20
	tenth.Timestamp = ts.Add(9 * time.Minute)
	require.NoError(t, store.Append("acct_1", tenth))
	rs = Evaluate(spike, features.Vector{HourOfDay: 14}, store.Snapshot("acct_1"), cfg)
	assert.Contains(t, codes(rs), CodeAmountSpike)

	// 4x the median exactly triggers; just under does not.
	spike.Amount = 80
	rs = Evaluate(spike, features.Vector{HourOfDay: 14}, store.Snapshot("acct_1"), cfg)
	assert.Contains(t, codes(rs), CodeAmountSpike)
	spike.Amount = 79.99
	rs = Evaluate(spike, features.Vector{HourOfDay: 14}, store.Snapshot("acct_1"), cfg)
	assert.NotContains(t, codes(rs), CodeAmountSpike)
}

func TestUnusualHourWindow(t *testing.T) {
	cfg := DefaultConfig()
	rs := Evaluate(baseEvent(), features.Vector{HourOfDay: 3}, emptyProfile(), cfg)
	assert.Contains(t, codes(rs), CodeUnusualHour)
	rs = Evaluate(baseEvent(), features.Vector{HourOfDay: 5}, emptyProfile(), cfg)
	assert.NotContains(t, codes(rs), CodeUnusualHour)
}

func TestTopTruncates(t *testing.T) {
	v := features.Vector{
		SpeedKmph:     1200,
		TxCount5m:     4,
		IsNewDevice:   1,
		IsNewIP:       1,
		IsNewMerchant: 1,
		HourOfDay:     14,
	}
	all := Evaluate(baseEvent(), v, emptyProfile(), DefaultConfig())
	require.Greater(t, len(all), 3)

	top := Top(all, 3)
	assert.Equal(t, []string{CodeImpossibleTravel, CodeHighVelocity5m, CodeNewDevice}, codes(top))
	assert.Nil(t, Top(all, 0))
	assert.Len(t, Top(all, 100), len(all))
}
