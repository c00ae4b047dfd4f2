// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is returned (wrapped) when a metric is configured or fed with values it can't handle,
	// e.g. an unknown reduction or a probabilities tensor of the wrong rank.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDivisionUndefined is returned (wrapped) by Compute when the final value requires dividing by
	// the number of samples seen, and no sample was seen yet.
	ErrDivisionUndefined = errors.New("division undefined: no samples accumulated")
)

// Reduction defines how per-sample scores are collapsed into the final value of a metric.
//
// It also defines the state kept by the metric: a running total and count for ReductionMean and ReductionSum,
// and the ordered per-sample scores for ReductionNone. It can't be changed after the metric is created.
type Reduction int

const (
	ReductionMean Reduction = iota
	ReductionSum
	ReductionNone
)

var reductionNames = []string{"mean", "sum", "none"}

// ReductionValues returns all valid reductions.
func ReductionValues() []Reduction {
	return []Reduction{ReductionMean, ReductionSum, ReductionNone}
}

// IsAReduction returns whether r is one of the valid reductions.
func (r Reduction) IsAReduction() bool {
	return r >= ReductionMean && r <= ReductionNone
}

// String implements fmt.Stringer.
func (r Reduction) String() string {
	if !r.IsAReduction() {
		return "Reduction(" + strconv.Itoa(int(r)) + ")"
	}
	return reductionNames[r]
}

// ReductionString converts a reduction name ("mean", "sum" or "none", case-insensitive) to a Reduction.
// The empty string is taken as "none".
func ReductionString(name string) (Reduction, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ReductionNone, nil
	}
	for ii, known := range reductionNames {
		if name == known {
			return Reduction(ii), nil
		}
	}
	return ReductionMean, errors.Wrapf(ErrInvalidArgument, "expected reduction to be one of %q, got %q",
		reductionNames, name)
}

func checkReduction(r Reduction) error {
	if !r.IsAReduction() {
		return errors.Wrapf(ErrInvalidArgument, "expected reduction to be one of %q, got %s", reductionNames, r)
	}
	return nil
}
