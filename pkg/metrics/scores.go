// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var nan = math.NaN()

// entr is the element-wise entropy term -p·log(p), with entr(0) = 0 and entr(p) = -Inf for p < 0.
// NaN is propagated.
func entr(p float64) float64 {
	switch {
	case p > 0:
		return -p * math.Log(p)
	case p == 0:
		return 0
	case p < 0:
		return math.Inf(-1)
	}
	return p
}

// batchGeometry describes a probabilities batch shaped [batch, classes] or [estimators, batch, classes].
type batchGeometry struct {
	numEstimators, batchSize, numClasses int
	hasEstimators                        bool
}

func newBatchGeometry(dims []int) (batchGeometry, error) {
	switch len(dims) {
	case 2:
		return batchGeometry{numEstimators: 1, batchSize: dims[0], numClasses: dims[1]}, nil
	case 3:
		return batchGeometry{numEstimators: dims[0], batchSize: dims[1], numClasses: dims[2], hasEstimators: true}, nil
	}
	return batchGeometry{}, errors.Wrapf(ErrInvalidArgument,
		"probabilities must be shaped [batch, classes] or [estimators, batch, classes], got rank %d (dimensions %v)",
		len(dims), dims)
}

// checkFlatSize validates that the number of flat values matches the dimensions.
func checkFlatSize(flat []float64, dims []int) error {
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			return errors.Wrapf(ErrInvalidArgument, "negative dimension in %v", dims)
		}
		size *= dim
	}
	if size != len(flat) {
		return errors.Wrapf(ErrInvalidArgument, "dimensions %v require %d values, got %d", dims, size, len(flat))
	}
	return nil
}

// sampleEntropies returns the entropy of each sample of the batch, averaged over the estimators if present.
func sampleEntropies(flat []float64, geom batchGeometry) []float64 {
	scores := make([]float64, geom.batchSize)
	idx := 0
	for range geom.numEstimators {
		for b := range geom.batchSize {
			var sum float64
			for _, p := range flat[idx : idx+geom.numClasses] {
				sum += entr(p)
			}
			scores[b] += sum
			idx += geom.numClasses
		}
	}
	if geom.hasEstimators {
		floats.Scale(1/float64(geom.numEstimators), scores)
	}
	return scores
}

// meanProbabilities averages the probabilities over the estimators axis, returning a [batch, classes] flat slice.
// If there is no estimators axis, flat is returned as is.
func meanProbabilities(flat []float64, geom batchGeometry) []float64 {
	if !geom.hasEstimators {
		return flat
	}
	stride := geom.batchSize * geom.numClasses
	mean := make([]float64, stride)
	for e := range geom.numEstimators {
		floats.Add(mean, flat[e*stride:(e+1)*stride])
	}
	floats.Scale(1/float64(geom.numEstimators), mean)
	return mean
}

// scoreState is the accumulated state of per-sample score metrics (Entropy and MutualInformation).
//
// For ReductionMean and ReductionSum it keeps a running total and count, for ReductionNone the ordered
// per-batch scores.
type scoreState struct {
	reduction Reduction
	total     float64
	count     int
	batches   [][]float64
}

func (s *scoreState) add(scores []float64) {
	if s.reduction == ReductionNone {
		s.batches = append(s.batches, scores)
		return
	}
	s.total += floats.Sum(scores)
	s.count += len(scores)
}

func (s *scoreState) compute(name string) (Value, error) {
	switch s.reduction {
	case ReductionSum:
		return ScalarValue(s.total), nil
	case ReductionMean:
		if s.count == 0 {
			return Value{}, errors.Wrapf(ErrDivisionUndefined, "computing mean %s", name)
		}
		return ScalarValue(s.total / float64(s.count)), nil
	default:
		return SequenceValue(slices.Concat(s.batches...)), nil
	}
}

func (s *scoreState) merge(name string, other *scoreState) error {
	if s.reduction != other.reduction {
		return errors.Wrapf(ErrInvalidArgument, "cannot merge %s with reduction %s into one with reduction %s",
			name, other.reduction, s.reduction)
	}
	if s.reduction == ReductionNone {
		for _, batch := range other.batches {
			s.batches = append(s.batches, slices.Clone(batch))
		}
		return nil
	}
	s.total += other.total
	s.count += other.count
	return nil
}

func (s *scoreState) clone() scoreState {
	c := *s
	if s.batches != nil {
		c.batches = make([][]float64, len(s.batches))
		for ii, batch := range s.batches {
			c.batches[ii] = slices.Clone(batch)
		}
	}
	return c
}

func (s *scoreState) reset() {
	s.total = 0
	s.count = 0
	s.batches = nil
}
