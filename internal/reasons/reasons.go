// Package reasons produces human-readable explanations for scored events.
// Each reason is a rule over the feature vector and entity profile with a
// fixed severity, so explanations are deterministic: the same event and
// profile always yield the same reasons in the same order.
package reasons

import (
	"fmt"
	"sort"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/features"
	"github.com/tmarkov/fraudwatch/internal/history"
)

// Reason codes, highest severity first.
const (
	CodeImpossibleTravel = "IMPOSSIBLE_TRAVEL"
	CodeHighVelocity5m   = "HIGH_VELOCITY_5M"
	CodeNewDevice        = "NEW_DEVICE"
	CodeNewIP            = "NEW_IP"
	CodeAmountSpike      = "AMOUNT_SPIKE"
	CodeHighSpend1h      = "HIGH_SPEND_1H"
	CodeNewMerchant      = "NEW_MERCHANT"
	CodeUnusualHour      = "UNUSUAL_HOUR"
)

// severity orders reasons; ties cannot occur since every code has a distinct
// severity.
var severity = map[string]int{
	CodeImpossibleTravel: 95,
	CodeHighVelocity5m:   90,
	CodeNewDevice:        85,
	CodeNewIP:            80,
	CodeAmountSpike:      75,
	CodeHighSpend1h:      70,
	CodeNewMerchant:      65,
	CodeUnusualHour:      60,
}

// Reason is one triggered explanation rule.
type Reason struct {
	Code     string `json:"code"`
	Severity int    `json:"severity"`
	Detail   string `json:"detail"`
}

// Config holds the rule thresholds.
type Config struct {
	// TravelSpeedCeiling is the km/h above which movement between
	// consecutive events is treated as impossible.
	TravelSpeedCeiling float64
	// VelocityCeiling5m is the prior-event count in 5 minutes at or above
	// which velocity is flagged.
	VelocityCeiling5m int
	// SpendCeiling1h is the rolling one-hour spend at or above which spend
	// is flagged.
	SpendCeiling1h float64
	// SpikeMultiplier and SpikeMinPrior control the amount-spike rule: the
	// amount must be at least SpikeMultiplier times the median of retained
	// prior amounts, with at least SpikeMinPrior priors on record.
	SpikeMultiplier float64
	SpikeMinPrior   int
	// UnusualHourStart/End bound the UTC hours considered unusual,
	// inclusive of start, exclusive of end.
	UnusualHourStart int
	UnusualHourEnd   int
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		TravelSpeedCeiling: 900,
		VelocityCeiling5m:  3,
		SpendCeiling1h:     800,
		SpikeMultiplier:    4,
		SpikeMinPrior:      10,
		UnusualHourStart:   0,
		UnusualHourEnd:     5,
	}
}

// Evaluate runs every rule against the event, sorted by severity descending.
func Evaluate(ev event.Event, v features.Vector, p *history.Profile, cfg Config) []Reason {
	var out []Reason
	add := func(code, detail string) {
		out = append(out, Reason{Code: code, Severity: severity[code], Detail: detail})
	}

	if v.SpeedKmph >= cfg.TravelSpeedCeiling {
		add(CodeImpossibleTravel, fmt.Sprintf(
			"implied travel speed %.0f km/h over %.0f km since previous event",
			v.SpeedKmph, v.DistanceFromLastKm))
	}
	if int(v.TxCount5m) >= cfg.VelocityCeiling5m {
		add(CodeHighVelocity5m, fmt.Sprintf(
			"%d prior transactions in the last 5 minutes", int(v.TxCount5m)))
	}
	if v.IsNewDevice == 1 {
		add(CodeNewDevice, fmt.Sprintf("device %q not seen before for this entity", ev.DeviceID))
	}
	if v.IsNewIP == 1 {
		add(CodeNewIP, fmt.Sprintf("IP %s not seen before for this entity", ev.IP))
	}
	if median, n := p.MedianRecentAmount(); n >= cfg.SpikeMinPrior && median > 0 &&
		ev.Amount >= cfg.SpikeMultiplier*median {
		add(CodeAmountSpike, fmt.Sprintf(
			"amount %.2f is %.1fx the recent median %.2f", ev.Amount, ev.Amount/median, median))
	}
	if v.Spend1h >= cfg.SpendCeiling1h {
		add(CodeHighSpend1h, fmt.Sprintf(
			"%.2f spent in the last hour before this event", v.Spend1h))
	}
	if v.IsNewMerchant == 1 {
		add(CodeNewMerchant, fmt.Sprintf("merchant %q not seen before for this entity", ev.MerchantID))
	}
	if h := int(v.HourOfDay); h >= cfg.UnusualHourStart && h < cfg.UnusualHourEnd {
		add(CodeUnusualHour, fmt.Sprintf("transaction at %02d:00 UTC", h))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

// Top returns at most k reasons, preserving order. k <= 0 returns nil.
func Top(rs []Reason, k int) []Reason {
	if k <= 0 || len(rs) == 0 {
		return nil
	}
	if len(rs) > k {
		rs = rs[:k]
	}
	out := make([]Reason, len(rs))
	copy(out, rs)
	return out
}
