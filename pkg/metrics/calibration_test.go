// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalibrationError(t *testing.T) {
	probs := tensors.FromValue([][]float32{{0.9, 0.1}, {0.6, 0.4}, {0.2, 0.8}})
	labels := tensors.FromValue([]int32{0, 1, 1})
	want := map[CalibrationNorm]float64{
		NormL1:  (0.1 + 0.6 + 0.2) / 3,
		NormL2:  math.Sqrt((0.01 + 0.36 + 0.04) / 3),
		NormMax: 0.6,
	}
	for norm, wantValue := range want {
		t.Run(norm.String(), func(t *testing.T) {
			ce, err := NewCalibrationError(DefaultNumBins, norm)
			require.NoError(t, err)
			_, err = ce.Compute()
			require.ErrorIs(t, err, ErrDivisionUndefined)
			require.NoError(t, ce.Update(probs, labels))
			got, err := ce.Compute()
			require.NoError(t, err)
			assert.InDelta(t, wantValue, got.Scalar(), 1e-6)
		})
	}

	t.Run("single bin", func(t *testing.T) {
		ce := must1(NewCalibrationError(1, NormL1))
		require.NoError(t, ce.UpdateFlat([]float64{0.9, 0.1, 0.6, 0.4, 0.2, 0.8}, []int{3, 2}, []int{0, 1, 1}))
		assert.InDelta(t, math.Abs(2.0/3.0-2.3/3.0), must1(ce.Compute()).Scalar(), 1e-9)
	})

	t.Run("labels shaped [batch, 1]", func(t *testing.T) {
		ce := must1(NewCalibrationError(DefaultNumBins, NormL1))
		require.NoError(t, ce.Update(probs, tensors.FromValue([][]int64{{0}, {1}, {1}})))
		assert.InDelta(t, want[NormL1], must1(ce.Compute()).Scalar(), 1e-6)
	})

	t.Run("merge and reset", func(t *testing.T) {
		a := must1(NewCalibrationError(10, NormL1))
		b := must1(NewCalibrationError(10, NormL1))
		all := must1(NewCalibrationError(10, NormL1))
		require.NoError(t, a.UpdateFlat([]float64{0.9, 0.1}, []int{1, 2}, []int{0}))
		require.NoError(t, b.UpdateFlat([]float64{0.6, 0.4, 0.2, 0.8}, []int{2, 2}, []int{1, 1}))
		require.NoError(t, all.UpdateFlat([]float64{0.9, 0.1, 0.6, 0.4, 0.2, 0.8}, []int{3, 2}, []int{0, 1, 1}))
		require.NoError(t, a.Merge(b))
		assert.InDelta(t, must1(all.Compute()).Scalar(), must1(a.Compute()).Scalar(), 1e-12)

		require.ErrorIs(t, a.Merge(must1(NewCalibrationError(5, NormL1))), ErrInvalidArgument)
		a.Reset()
		_, err := a.Compute()
		require.ErrorIs(t, err, ErrDivisionUndefined)
		assert.Equal(t, 10, a.NumBins())
	})

	t.Run("errors", func(t *testing.T) {
		_, err := NewCalibrationError(0, NormL1)
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = NewCalibrationError(15, CalibrationNorm(3))
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = CalibrationNormString("l3")
		require.ErrorIs(t, err, ErrInvalidArgument)
		norm, err := CalibrationNormString("MAX")
		require.NoError(t, err)
		assert.Equal(t, NormMax, norm)

		ce := must1(NewCalibrationError(15, NormL1))
		require.ErrorIs(t, ce.Update(probs, tensors.FromValue([]int32{0, 1})), ErrInvalidArgument)
		require.ErrorIs(t, ce.Update(probs, tensors.FromValue([]float32{0, 1, 1})), ErrInvalidArgument)
		require.ErrorIs(t, ce.Update(probs, nil), ErrInvalidArgument)
	})
}

func TestCalibrationErrorEnsemble(t *testing.T) {
	// Two estimators that disagree average to a low-confidence prediction.
	ce := must1(NewCalibrationError(DefaultNumBins, NormL1))
	require.NoError(t, ce.UpdateFlat([]float64{1, 0, 0.2, 0.8}, []int{2, 1, 2}, []int{0}))
	assert.InDelta(t, 1-0.6, must1(ce.Compute()).Scalar(), 1e-9)
}

func TestConfidences(t *testing.T) {
	conf, err := Confidences(tensors.FromValue([][]float64{{0.9, 0.1}, {0.4, 0.6}}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.9, 0.6}, conf, 1e-9)

	// Estimators [1, 0] and [0.2, 0.8] average to [0.6, 0.4].
	conf, err = Confidences(tensors.FromValue([][][]float32{{{1, 0}}, {{0.2, 0.8}}}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.6}, conf, 1e-6)

	_, err = Confidences(tensors.FromValue([]float64{0.5, 0.5}))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAccuracy(t *testing.T) {
	acc := NewAccuracy()
	_, err := acc.Compute()
	require.ErrorIs(t, err, ErrDivisionUndefined)

	probs := tensors.FromValue([][]float64{{0.9, 0.1}, {0.6, 0.4}, {0.2, 0.8}})
	require.NoError(t, acc.Update(probs, tensors.FromValue([]int32{0, 1, 1})))
	assert.InDelta(t, 2.0/3.0, must1(acc.Compute()).Scalar(), 1e-9)

	other := NewAccuracy()
	require.NoError(t, other.UpdateFlat([]float64{0.3, 0.7}, []int{1, 2}, []int{1}))
	require.NoError(t, acc.Merge(other))
	assert.InDelta(t, 3.0/4.0, must1(acc.Compute()).Scalar(), 1e-9)

	// Estimators [0.5, 0.5] and [0.3, 0.7] average to [0.4, 0.6].
	ensemble := NewAccuracy()
	require.NoError(t, ensemble.UpdateFlat([]float64{0.5, 0.5, 0.3, 0.7}, []int{2, 1, 2}, []int{1}))
	assert.Equal(t, 1.0, must1(ensemble.Compute()).Scalar())

	acc.Reset()
	_, err = acc.Compute()
	require.ErrorIs(t, err, ErrDivisionUndefined)
}

func TestMutualInformation(t *testing.T) {
	mi := must1(NewMutualInformation(ReductionNone))
	// Sample 0: estimators fully disagree. Sample 1: estimators agree.
	require.NoError(t, mi.UpdateFlat([]float64{
		1, 0, 0.3, 0.7,
		0, 1, 0.3, 0.7,
	}, 2, 2, 2))
	seq := must1(mi.Compute()).Sequence()
	require.Len(t, seq, 2)
	assert.InDelta(t, math.Log(2), seq[0], 1e-9)
	assert.InDelta(t, 0, seq[1], 1e-12)

	require.ErrorIs(t, mi.UpdateFlat([]float64{0.5, 0.5}, 1, 2), ErrInvalidArgument)

	mean := must1(NewMutualInformation(ReductionMean))
	_, err := mean.Compute()
	require.ErrorIs(t, err, ErrDivisionUndefined)
	require.NoError(t, mean.Update(tensors.FromValue([][][]float32{{{1, 0}}, {{0, 1}}})))
	assert.InDelta(t, math.Log(2), must1(mean.Compute()).Scalar(), 1e-6)

	clone := mean.Clone()
	mean.Reset()
	require.NoError(t, mean.Merge(clone))
	assert.InDelta(t, math.Log(2), must1(mean.Compute()).Scalar(), 1e-6)
}
