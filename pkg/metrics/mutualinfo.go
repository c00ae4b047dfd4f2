// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MutualInformationName is the default name of the MutualInformation metric.
const MutualInformationName = "mutual_information"

// MutualInformation accumulates the epistemic uncertainty of ensemble predictions: the mutual information between
// the prediction and the estimator, per sample H(mean_e p_e) - mean_e H(p_e).
//
// It only accepts batches with an estimators axis, shaped [estimators, batch, classes]. Reductions and state work
// as in Entropy.
type MutualInformation struct {
	state scoreState
}

// NewMutualInformation creates an empty MutualInformation accumulator with the given reduction.
func NewMutualInformation(reduction Reduction) (*MutualInformation, error) {
	if err := checkReduction(reduction); err != nil {
		return nil, errors.WithMessage(err, "NewMutualInformation")
	}
	return &MutualInformation{state: scoreState{reduction: reduction}}, nil
}

// Name implements Accumulator.
func (m *MutualInformation) Name() string { return MutualInformationName }

// Reduction used by the accumulator.
func (m *MutualInformation) Reduction() Reduction { return m.state.reduction }

// Update accumulates the mutual information of a batch shaped [estimators, batch, classes].
func (m *MutualInformation) Update(probs *tensors.Tensor) error {
	flat, dims, err := flatFloat64(probs)
	if err != nil {
		return errors.WithMessage(err, "MutualInformation.Update")
	}
	return m.UpdateFlat(flat, dims...)
}

// UpdateFlat is like Update, but takes the probabilities as a flat slice in row-major order.
func (m *MutualInformation) UpdateFlat(probs []float64, dims ...int) error {
	if len(dims) != 3 {
		return errors.Wrapf(ErrInvalidArgument,
			"MutualInformation.Update requires probabilities shaped [estimators, batch, classes], got dimensions %v", dims)
	}
	if err := checkFlatSize(probs, dims); err != nil {
		return errors.WithMessage(err, "MutualInformation.Update")
	}
	geom, _ := newBatchGeometry(dims)
	expected := sampleEntropies(probs, geom)
	meanGeom := batchGeometry{numEstimators: 1, batchSize: geom.batchSize, numClasses: geom.numClasses}
	scores := sampleEntropies(meanProbabilities(probs, geom), meanGeom)
	for ii := range scores {
		scores[ii] -= expected[ii]
	}
	m.state.add(scores)
	return nil
}

// Compute returns the final value without changing the state.
func (m *MutualInformation) Compute() (Value, error) {
	return m.state.compute(MutualInformationName)
}

// Merge adds the state of other into m.
func (m *MutualInformation) Merge(other *MutualInformation) error {
	if other == nil {
		return errors.Wrap(ErrInvalidArgument, "MutualInformation.Merge with nil")
	}
	return m.state.merge(MutualInformationName, &other.state)
}

// Clone returns an independent copy of the accumulator.
func (m *MutualInformation) Clone() *MutualInformation {
	return &MutualInformation{state: m.state.clone()}
}

// Reset the accumulator to its empty state.
func (m *MutualInformation) Reset() {
	m.state.reset()
}
