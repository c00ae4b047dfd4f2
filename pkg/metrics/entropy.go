// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Entropy is a streaming accumulator of the predictive entropy of probability batches.
//
// For each sample the score is Σ_c -p_c·log(p_c), with 0·log(0) = 0. Negative probabilities yield -Inf and NaN is
// propagated: values are not validated. Batches with an estimators axis ([estimators, batch, classes]) have their
// per-sample scores averaged over the estimators.
//
// The Reduction, fixed at construction, defines both the final value and the state kept:
//
//   - ReductionMean: the mean score over all samples seen.
//   - ReductionSum: the sum of the scores of all samples seen.
//   - ReductionNone: the per-sample scores, in the order they were given.
//
// An Entropy is owned by one goroutine. Independent accumulators (e.g. one per data shard) can be combined with
// Merge or MergeShards.
type Entropy struct {
	state scoreState
}

// EntropyName is the default name of the Entropy metric.
const EntropyName = "entropy"

// NewEntropy creates an empty Entropy accumulator with the given reduction.
func NewEntropy(reduction Reduction) (*Entropy, error) {
	if err := checkReduction(reduction); err != nil {
		return nil, errors.WithMessage(err, "NewEntropy")
	}
	return &Entropy{state: scoreState{reduction: reduction}}, nil
}

// NewEntropyFromString creates an empty Entropy accumulator with the reduction given by name: see ReductionString.
func NewEntropyFromString(reduction string) (*Entropy, error) {
	r, err := ReductionString(reduction)
	if err != nil {
		return nil, errors.WithMessage(err, "NewEntropyFromString")
	}
	return NewEntropy(r)
}

// Name implements Accumulator.
func (e *Entropy) Name() string { return EntropyName }

// Reduction used by the accumulator.
func (e *Entropy) Reduction() Reduction { return e.state.reduction }

// Count returns the number of samples accumulated. It is always 0 for ReductionNone, see Len instead.
func (e *Entropy) Count() int { return e.state.count }

// Len returns the number of per-sample scores held for ReductionNone.
func (e *Entropy) Len() int {
	n := 0
	for _, batch := range e.state.batches {
		n += len(batch)
	}
	return n
}

// Update accumulates the entropy of a probabilities batch shaped [batch, classes] or
// [estimators, batch, classes]. Any float dtype is accepted.
func (e *Entropy) Update(probs *tensors.Tensor) error {
	flat, dims, err := flatFloat64(probs)
	if err != nil {
		return errors.WithMessage(err, "Entropy.Update")
	}
	return e.UpdateFlat(flat, dims...)
}

// UpdateFlat is like Update, but takes the probabilities as a flat slice in row-major order, with the given dimensions.
func (e *Entropy) UpdateFlat(probs []float64, dims ...int) error {
	geom, err := newBatchGeometry(dims)
	if err != nil {
		return errors.WithMessage(err, "Entropy.Update")
	}
	if err = checkFlatSize(probs, dims); err != nil {
		return errors.WithMessage(err, "Entropy.Update")
	}
	e.state.add(sampleEntropies(probs, geom))
	return nil
}

// Compute returns the final value without changing the state, so it can be called any number of times.
//
// For ReductionMean, if no sample was accumulated it returns an error wrapping ErrDivisionUndefined.
func (e *Entropy) Compute() (Value, error) {
	return e.state.compute(EntropyName)
}

// Merge adds the state of other into e. For ReductionNone the scores of other are appended after those of e.
// other is not modified.
func (e *Entropy) Merge(other *Entropy) error {
	if other == nil {
		return errors.Wrap(ErrInvalidArgument, "Entropy.Merge with nil")
	}
	return e.state.merge(EntropyName, &other.state)
}

// Clone returns an independent copy of the accumulator.
func (e *Entropy) Clone() *Entropy {
	return &Entropy{state: e.state.clone()}
}

// Reset the accumulator to its empty state. The reduction is preserved.
func (e *Entropy) Reset() {
	e.state.reset()
}

// EntropyState is a snapshot of the state of an Entropy accumulator, to transport it across shards.
type EntropyState struct {
	Reduction Reduction
	Total     float64
	Count     int
	Batches   [][]float64
}

// State returns a snapshot of the state of the accumulator.
func (e *Entropy) State() EntropyState {
	c := e.state.clone()
	return EntropyState{Reduction: c.reduction, Total: c.total, Count: c.count, Batches: c.batches}
}

// NewEntropyFromState restores an Entropy accumulator from a snapshot.
func NewEntropyFromState(s EntropyState) (*Entropy, error) {
	e, err := NewEntropy(s.Reduction)
	if err != nil {
		return nil, err
	}
	if s.Count < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "negative count %d in entropy state", s.Count)
	}
	if s.Reduction == ReductionNone {
		if s.Count != 0 || s.Total != 0 {
			return nil, errors.Wrap(ErrInvalidArgument, "entropy state with reduction none can't have total or count")
		}
		for _, batch := range s.Batches {
			e.state.batches = append(e.state.batches, slices.Clone(batch))
		}
		return e, nil
	}
	if len(s.Batches) > 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "entropy state with reduction %s can't have batches", s.Reduction)
	}
	e.state.total, e.state.count = s.Total, s.Count
	return e, nil
}
