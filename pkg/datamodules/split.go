// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datamodules

import (
	"math"
	"math/rand"
	"slices"

	"github.com/pkg/errors"
)

// SplitTrainVal randomly splits the indices [0, n) into disjoint train and validation sets.
// The validation set has floor(n * valSplit) indices, and valSplit must be in [0, 1).
//
// Both sets are returned sorted, so the examples keep the order of the original data.
func SplitTrainVal(n int, valSplit float64, rng *rand.Rand) (trainIndices, valIndices []int, err error) {
	if n < 0 {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "SplitTrainVal: n must be >= 0, got %d", n)
	}
	if valSplit < 0 || valSplit >= 1 || math.IsNaN(valSplit) {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "SplitTrainVal: valSplit must be in [0, 1), got %g", valSplit)
	}
	numVal := int(math.Floor(float64(n) * valSplit))
	perm := rng.Perm(n)
	valIndices = slices.Clone(perm[:numVal])
	trainIndices = slices.Clone(perm[numVal:])
	slices.Sort(valIndices)
	slices.Sort(trainIndices)
	return trainIndices, valIndices, nil
}
