// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// AccuracyName is the default name of the Accuracy metric.
const AccuracyName = "accuracy"

// Accuracy accumulates the top-1 accuracy of a classifier. Probabilities with an estimators axis are averaged
// over the estimators first.
type Accuracy struct {
	correct, count int
}

// NewAccuracy creates an empty Accuracy accumulator.
func NewAccuracy() *Accuracy {
	return &Accuracy{}
}

// Name implements Accumulator.
func (a *Accuracy) Name() string { return AccuracyName }

// Update implements Accumulator.
func (a *Accuracy) Update(probs, labels *tensors.Tensor) error {
	flat, dims, err := flatFloat64(probs)
	if err != nil {
		return errors.WithMessage(err, "Accuracy.Update")
	}
	labelsFlat, err := flatLabels(labels)
	if err != nil {
		return errors.WithMessage(err, "Accuracy.Update")
	}
	return a.UpdateFlat(flat, dims, labelsFlat)
}

// UpdateFlat is like Update, but takes the probabilities as a flat slice with its dimensions, and the labels
// as a slice.
func (a *Accuracy) UpdateFlat(probs []float64, dims []int, labels []int) error {
	predictions, _, err := topLabel(probs, dims, labels)
	if err != nil {
		return errors.WithMessage(err, "Accuracy.Update")
	}
	for ii, pred := range predictions {
		if pred == labels[ii] {
			a.correct++
		}
	}
	a.count += len(predictions)
	return nil
}

// Compute returns the fraction of correct predictions, or an error wrapping ErrDivisionUndefined if no sample
// was seen.
func (a *Accuracy) Compute() (Value, error) {
	if a.count == 0 {
		return Value{}, errors.Wrapf(ErrDivisionUndefined, "computing %s", AccuracyName)
	}
	return ScalarValue(float64(a.correct) / float64(a.count)), nil
}

// Merge adds the counts of other into a.
func (a *Accuracy) Merge(other *Accuracy) error {
	if other == nil {
		return errors.Wrap(ErrInvalidArgument, "Accuracy.Merge with nil")
	}
	a.correct += other.correct
	a.count += other.count
	return nil
}

// Reset implements Accumulator.
func (a *Accuracy) Reset() {
	a.correct, a.count = 0, 0
}
