package isoforest

import "sort"

// Calibration maps raw forest scores onto a 0-100 risk scale by rank against
// the training corpus's own score distribution. A risk of 97 means the score
// exceeds 97% of training scores.
type Calibration struct {
	// Scores are the raw training scores, sorted ascending.
	Scores []float64 `json:"scores"`
}

// NewCalibration builds a calibration from the raw scores of the training
// corpus. The input slice is not retained.
func NewCalibration(trainingScores []float64) Calibration {
	sorted := make([]float64, len(trainingScores))
	copy(sorted, trainingScores)
	sort.Float64s(sorted)
	return Calibration{Scores: sorted}
}

// RiskScore converts a raw score to the 0-100 risk scale.
func (c Calibration) RiskScore(raw float64) float64 {
	n := len(c.Scores)
	if n == 0 {
		return 0
	}
	// rank = number of training scores <= raw
	rank := sort.Search(n, func(i int) bool { return c.Scores[i] > raw })
	return 100 * float64(rank) / float64(n)
}

// Flagged reports whether a risk score meets the flagging percentile.
func Flagged(risk, percentile float64) bool {
	return risk >= percentile
}
