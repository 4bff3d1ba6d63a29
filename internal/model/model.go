// Package model manages the anomaly model lifecycle: training runs over the
// event corpus, the atomically-swapped active run, and run persistence.
package model

import (
	"errors"
	"time"

	"github.com/tmarkov/fraudwatch/internal/isoforest"
)

// ErrNoActiveModel is returned when scoring is requested before any training
// run has completed.
var ErrNoActiveModel = errors.New("no active model: train a model before scoring")

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("model run not found")

// Run is one completed training run. A Run is immutable once built; scoring
// reads it concurrently without locks.
type Run struct {
	ID             string                `json:"runId"`
	TrainedAt      time.Time             `json:"trainedAt"`
	CorpusSize     int                   `json:"corpusSize"`
	CorpusFrom     time.Time             `json:"corpusFrom"`
	CorpusTo       time.Time             `json:"corpusTo"`
	Percentile     float64               `json:"percentile"`
	FeatureColumns []string              `json:"featureColumns"`
	Params         isoforest.Params      `json:"params"`
	Forest         *isoforest.Forest     `json:"forest,omitempty"`
	Calibration    isoforest.Calibration `json:"calibration,omitempty"`
}

// Summary is the run metadata without the forest and calibration payloads,
// for list endpoints.
type Summary struct {
	ID             string           `json:"runId"`
	TrainedAt      time.Time        `json:"trainedAt"`
	CorpusSize     int              `json:"corpusSize"`
	CorpusFrom     time.Time        `json:"corpusFrom"`
	CorpusTo       time.Time        `json:"corpusTo"`
	Percentile     float64          `json:"percentile"`
	FeatureColumns []string         `json:"featureColumns"`
	Params         isoforest.Params `json:"params"`
	Active         bool             `json:"active"`
}

// Summarize returns the run's metadata view.
func (r *Run) Summarize(active bool) Summary {
	return Summary{
		ID:             r.ID,
		TrainedAt:      r.TrainedAt,
		CorpusSize:     r.CorpusSize,
		CorpusFrom:     r.CorpusFrom,
		CorpusTo:       r.CorpusTo,
		Percentile:     r.Percentile,
		FeatureColumns: r.FeatureColumns,
		Params:         r.Params,
		Active:         active,
	}
}
