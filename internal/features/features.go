// Package features turns a transaction event plus the entity's prior profile
// into the numeric vector the anomaly model consumes. All features are
// computed strictly from state before the event itself, so feature values are
// reproducible during corpus replay.
package features

import (
	"math"
	"time"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/history"
)

// Columns is the fixed feature order of vectors produced by Compute. The
// model trains and scores against this exact order; it is recorded on every
// model run so stored runs stay interpretable.
var Columns = []string{
	"log_amount",
	"tx_count_5m",
	"tx_count_1h",
	"spend_1h",
	"is_new_merchant",
	"is_new_device",
	"is_new_ip",
	"distance_from_last_km",
	"speed_kmph",
	"hour_of_day",
	"day_of_week",
}

// Vector is the engineered feature set for one event.
type Vector struct {
	LogAmount          float64 `json:"logAmount"`
	TxCount5m          float64 `json:"txCount5m"`
	TxCount1h          float64 `json:"txCount1h"`
	Spend1h            float64 `json:"spend1h"`
	IsNewMerchant      float64 `json:"isNewMerchant"`
	IsNewDevice        float64 `json:"isNewDevice"`
	IsNewIP            float64 `json:"isNewIp"`
	DistanceFromLastKm float64 `json:"distanceFromLastKm"`
	SpeedKmph          float64 `json:"speedKmph"`
	HourOfDay          float64 `json:"hourOfDay"`
	DayOfWeek          float64 `json:"dayOfWeek"`
}

// Values returns the vector in Columns order.
func (v Vector) Values() []float64 {
	return []float64{
		v.LogAmount,
		v.TxCount5m,
		v.TxCount1h,
		v.Spend1h,
		v.IsNewMerchant,
		v.IsNewDevice,
		v.IsNewIP,
		v.DistanceFromLastKm,
		v.SpeedKmph,
		v.HourOfDay,
		v.DayOfWeek,
	}
}

// Compute derives the feature vector for ev given the entity profile as it
// stood before the event. The profile may include events with timestamps at
// or after ev's (out-of-order delivery); those never count toward velocity
// windows.
func Compute(ev event.Event, p *history.Profile) Vector {
	ts := ev.Timestamp
	v := Vector{
		LogAmount: math.Log1p(ev.Amount),
		TxCount5m: float64(p.CountSince(ts.Add(-5*time.Minute), ts)),
		TxCount1h: float64(p.CountSince(ts.Add(-time.Hour), ts)),
		Spend1h:   p.SpendSince(ts.Add(-time.Hour), ts),
		HourOfDay: float64(ts.UTC().Hour()),
		DayOfWeek: float64(ts.UTC().Weekday()),
	}
	if !p.SeenMerchant(ev.MerchantID) {
		v.IsNewMerchant = 1
	}
	if !p.SeenDevice(ev.DeviceID) {
		v.IsNewDevice = 1
	}
	if !p.SeenIP(ev.IP) {
		v.IsNewIP = 1
	}
	if last := p.Last(); last != nil {
		v.DistanceFromLastKm = Haversine(last.Lat, last.Lon, ev.Lat, ev.Lon)
		if dt := ts.Sub(last.Timestamp); dt > 0 {
			v.SpeedKmph = v.DistanceFromLastKm / dt.Hours()
		}
	}
	return v
}

// earthRadiusKm is the mean Earth radius used for great-circle distance.
const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// coordinates given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const deg = math.Pi / 180
	dLat := (lat2 - lat1) * deg
	dLon := (lon2 - lon1) * deg
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg)*math.Cos(lat2*deg)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
