// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat"
)

// Value is the finalized value of a metric: either a scalar (for ReductionMean and ReductionSum, and for
// metrics that are always reduced, like CalibrationError) or the ordered sequence of per-sample scores
// (for ReductionNone).
type Value struct {
	scalar     float64
	sequence   []float64
	isSequence bool
}

// ScalarValue creates a scalar Value.
func ScalarValue(v float64) Value {
	return Value{scalar: v}
}

// SequenceValue creates a sequence Value. It takes ownership of values.
func SequenceValue(values []float64) Value {
	if values == nil {
		values = []float64{}
	}
	return Value{sequence: values, isSequence: true}
}

// IsScalar returns whether the value holds a scalar.
func (v Value) IsScalar() bool { return !v.isSequence }

// Scalar returns the scalar value. It returns NaN if v holds a sequence.
func (v Value) Scalar() float64 {
	if v.isSequence {
		return nan
	}
	return v.scalar
}

// Sequence returns a copy of the per-sample sequence, or nil if v holds a scalar.
func (v Value) Sequence() []float64 {
	if !v.isSequence {
		return nil
	}
	return slices.Clone(v.sequence)
}

// Len returns the number of values held: 1 for a scalar.
func (v Value) Len() int {
	if v.isSequence {
		return len(v.sequence)
	}
	return 1
}

// Tensor converts the value to a Float64 tensor: a scalar or a rank-1 tensor.
func (v Value) Tensor() *tensors.Tensor {
	if v.isSequence {
		return tensors.FromFlatDataAndDimensions(slices.Clone(v.sequence), len(v.sequence))
	}
	return tensors.FromScalar(v.scalar)
}

// String implements fmt.Stringer, in a short form.
func (v Value) String() string {
	if !v.isSequence {
		return fmt.Sprintf("%.4g", v.scalar)
	}
	if len(v.sequence) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%d values, mean=%.4g]", len(v.sequence), stat.Mean(v.sequence, nil))
}

// flatFloat64 returns the values of a float tensor converted to float64, along with its dimensions.
func flatFloat64(t *tensors.Tensor) (flat []float64, dims []int, err error) {
	if t == nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, "nil tensor")
	}
	dtype := t.DType()
	if !dtype.IsFloat() {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "expected a float tensor, got dtype %s", dtype)
	}
	dims = slices.Clone(t.Shape().Dimensions)
	err = t.ConstFlatData(func(anyFlat any) {
		switch data := anyFlat.(type) {
		case []float64:
			flat = slices.Clone(data)
		case []float32:
			flat = make([]float64, len(data))
			for ii, x := range data {
				flat[ii] = float64(x)
			}
		case []float16.Float16:
			flat = make([]float64, len(data))
			for ii, x := range data {
				flat[ii] = float64(x.Float32())
			}
		case []bfloat16.BFloat16:
			flat = make([]float64, len(data))
			for ii, x := range data {
				flat[ii] = float64(x.Float32())
			}
		}
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading tensor %s", t.Shape())
	}
	if flat == nil {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "unsupported dtype %s", dtype)
	}
	return flat, dims, nil
}

// flatLabels returns the integer labels of a tensor shaped [batch] or [batch, 1].
func flatLabels(t *tensors.Tensor) ([]int, error) {
	if t == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "labels are required")
	}
	dims := t.Shape().Dimensions
	if len(dims) > 2 || (len(dims) == 2 && dims[1] != 1) || len(dims) == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "labels must be shaped [batch] or [batch, 1], got %s", t.Shape())
	}
	if !t.DType().IsInt() {
		return nil, errors.Wrapf(ErrInvalidArgument, "labels must be integers, got dtype %s", t.DType())
	}
	var labels []int
	err := t.ConstFlatData(func(anyFlat any) {
		switch data := anyFlat.(type) {
		case []int64:
			labels = convertInts(data)
		case []int32:
			labels = convertInts(data)
		case []int:
			labels = slices.Clone(data)
		case []int16:
			labels = convertInts(data)
		case []int8:
			labels = convertInts(data)
		case []uint8:
			labels = convertInts(data)
		case []uint16:
			labels = convertInts(data)
		case []uint32:
			labels = convertInts(data)
		case []uint64:
			labels = convertInts(data)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading labels %s", t.Shape())
	}
	if labels == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported labels dtype %s", t.DType())
	}
	return labels, nil
}

func convertInts[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](data []T) []int {
	out := make([]int, len(data))
	for ii, x := range data {
		out[ii] = int(x)
	}
	return out
}
