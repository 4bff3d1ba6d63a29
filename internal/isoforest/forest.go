// Package isoforest implements a seeded isolation forest for unsupervised
// anomaly scoring, with input standardization and percentile calibration of
// raw scores against the training corpus.
//
// Training is fully deterministic for a given (data, Params) pair: the same
// seed always yields the same forest, so a model run can be reproduced from
// its stored parameters.
package isoforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrInsufficientData is returned when the training corpus is too small to
// fit a forest.
var ErrInsufficientData = errors.New("isoforest: insufficient training data")

// IsInsufficientData reports whether err means the training corpus was too
// small.
func IsInsufficientData(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}

// Params are the forest hyperparameters.
type Params struct {
	// Trees is the ensemble size.
	Trees int `json:"trees"`
	// SampleSize is how many rows each tree is grown from. Capped at the
	// corpus size.
	SampleSize int `json:"sampleSize"`
	// Seed drives all randomness in training.
	Seed int64 `json:"seed"`
}

// DefaultParams returns the standard ensemble configuration.
func DefaultParams() Params {
	return Params{Trees: 100, SampleSize: 256, Seed: 42}
}

func (p Params) validate() error {
	if p.Trees <= 0 {
		return fmt.Errorf("isoforest: trees must be positive, got %d", p.Trees)
	}
	if p.SampleSize < 2 {
		return fmt.Errorf("isoforest: sample size must be at least 2, got %d", p.SampleSize)
	}
	return nil
}

// node is one isolation tree node. Leaves have Left == nil and carry the
// number of rows that landed there.
type node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      *node   `json:"l,omitempty"`
	Right     *node   `json:"r,omitempty"`
	Size      int     `json:"n,omitempty"`
}

// Forest is a trained isolation forest. It is immutable after Train and safe
// for concurrent Score calls. The whole struct round-trips through JSON so
// model runs can be persisted and reloaded.
type Forest struct {
	Params   Params    `json:"params"`
	Features int       `json:"features"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
	Trees    []*node   `json:"trees"`
	// SampleNorm is c(sampleSize), the expected path length normalizer.
	SampleNorm float64 `json:"sampleNorm"`
}

// Train fits a forest on data, one row per observation, all rows the same
// length. Rows are standardized to zero mean and unit variance before
// training; constant columns pass through unscaled.
func Train(data [][]float64, p Params) (*Forest, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, ErrInsufficientData
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, ErrInsufficientData
	}
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("isoforest: row %d has %d features, want %d", i, len(row), dims)
		}
	}

	sample := p.SampleSize
	if sample > len(data) {
		sample = len(data)
	}

	f := &Forest{
		Params:     p,
		Features:   dims,
		SampleNorm: avgPathLength(sample),
	}
	f.Mean, f.Std = fitScaler(data, dims)

	scaled := make([][]float64, len(data))
	for i, row := range data {
		scaled[i] = f.scale(row)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))
	f.Trees = make([]*node, p.Trees)
	for t := 0; t < p.Trees; t++ {
		idx := rng.Perm(len(scaled))[:sample]
		rows := make([][]float64, sample)
		for i, j := range idx {
			rows[i] = scaled[j]
		}
		f.Trees[t] = growTree(rows, 0, maxDepth, rng)
	}
	return f, nil
}

// Score returns the anomaly score of x in (0, 1); higher means more anomalous.
// A score near 0.5 is typical of inliers.
func (f *Forest) Score(x []float64) float64 {
	if len(x) != f.Features {
		return 0
	}
	scaled := f.scale(x)
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, scaled, 0)
	}
	avg := total / float64(len(f.Trees))
	return math.Pow(2, -avg/f.SampleNorm)
}

func fitScaler(data [][]float64, dims int) (mean, std []float64) {
	mean = make([]float64, dims)
	std = make([]float64, dims)
	n := float64(len(data))
	for _, row := range data {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return mean, std
}

func (f *Forest) scale(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - f.Mean[j]) / f.Std[j]
	}
	return out
}

func growTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *node {
	if depth >= maxDepth || len(rows) <= 1 {
		return &node{Size: len(rows)}
	}
	dims := len(rows[0])

	// Pick a feature with spread; fall back to a leaf when every column is
	// constant across the partition.
	feat := -1
	var lo, hi float64
	for _, j := range rng.Perm(dims) {
		mn, mx := rows[0][j], rows[0][j]
		for _, r := range rows[1:] {
			if r[j] < mn {
				mn = r[j]
			}
			if r[j] > mx {
				mx = r[j]
			}
		}
		if mx > mn {
			feat, lo, hi = j, mn, mx
			break
		}
	}
	if feat < 0 {
		return &node{Size: len(rows)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, r := range rows {
		if r[feat] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &node{
		Feature:   feat,
		Threshold: split,
		Left:      growTree(left, depth+1, maxDepth, rng),
		Right:     growTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(n *node, x []float64, depth int) float64 {
	if n.Left == nil {
		return float64(depth) + avgPathLength(n.Size)
	}
	if x[n.Feature] < n.Threshold {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// avgPathLength is c(n), the average path length of an unsuccessful BST
// search over n nodes.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		const euler = 0.5772156649
		fn := float64(n)
		return 2*(math.Log(fn-1)+euler) - 2*(fn-1)/fn
	}
}
