// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package calibration

import (
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// overconfidentLogits returns logits whose labels were sampled from softmax(logits/temperature).
func overconfidentLogits(rng *rand.Rand, numExamples, numClasses int, temperature float64) (logits, labels *tensors.Tensor) {
	flat := make([]float32, numExamples*numClasses)
	labelsFlat := make([]int32, numExamples)
	probs := make([]float64, numClasses)
	for ii := range numExamples {
		row := flat[ii*numClasses : (ii+1)*numClasses]
		var sum float64
		for c := range row {
			row[c] = float32(3 * rng.NormFloat64())
			probs[c] = math.Exp(float64(row[c]) / temperature)
			sum += probs[c]
		}
		r := rng.Float64() * sum
		labelsFlat[ii] = int32(numClasses - 1)
		for c, p := range probs {
			if r < p {
				labelsFlat[ii] = int32(c)
				break
			}
			r -= p
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, numExamples, numClasses),
		tensors.FromFlatDataAndDimensions(labelsFlat, numExamples)
}

func TestTemperatureScaler(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(42, 1))
	logits, labels := overconfidentLogits(rng, 2000, 4, 2.0)

	scaler := NewTemperatureScaler()
	assert.Equal(t, 1.0, scaler.Temperature())
	temperature, err := scaler.Steps(300).Fit(backend, logits, labels)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, temperature, 0.4)
	assert.Equal(t, temperature, scaler.Temperature())
	initial, final := scaler.Losses()
	assert.Less(t, final, initial)
}

func TestTemperatureScalerFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSteps:              10,
		ParamLearningRate:       0.1,
		ParamInitialTemperature: 1.5,
	})
	s := NewTemperatureScaler().FromContext(ctx)
	assert.Equal(t, 10, s.steps)
	assert.Equal(t, 0.1, s.learningRate)
	assert.Equal(t, 1.5, s.initialTemperature)
}

func TestTemperatureScalerErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := tensors.FromValue([][]float32{{1, 2}, {3, 0}})
	labels := tensors.FromValue([]int32{1, 0})

	_, err := NewTemperatureScaler().Steps(0).Fit(backend, logits, labels)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewTemperatureScaler().InitialTemperature(-1).Fit(backend, logits, labels)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewTemperatureScaler().Fit(backend, tensors.FromValue([]float32{1, 2}), labels)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewTemperatureScaler().Fit(backend, logits, tensors.FromValue([]int32{1, 0, 1}))
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewTemperatureScaler().Fit(backend, logits, tensors.FromValue([]float32{1, 0}))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScaleLogits(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ScaleLogits",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][]float32{{2, -4}})
			inputs = []*Node{logits}
			outputs = []*Node{ScaleLogits(logits, Const(g, 2.0))}
			return
		}, []any{
			[][]float32{{1, -2}},
		}, 1e-6)
}
