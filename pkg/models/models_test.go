// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestLeNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	_, err := NewLeNet(10, "instance")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewLeNet(0, NormBatch)
	require.ErrorIs(t, err, ErrInvalidArgument)

	for _, norm := range []string{NormBatch, NormIdentity, "None"} {
		t.Run(norm, func(t *testing.T) {
			model, err := NewLeNet(10, norm)
			require.NoError(t, err)
			assert.Equal(t, "lenet", model.Name())
			ctx := context.New()
			logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := Ones(g, shapes.Make(dtypes.Float32, 1, 20, 20, 1))
				return model.Logits(ctx, images)
			})
			require.NoError(t, logits.Shape().CheckDims(1, 10))
		})
	}

	_, err = (&LeNet{numClasses: 10}).WithDropout(1.0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	_, err := NewResNet(10, 19, StyleCIFAR)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewResNet(10, 18, "mnist")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, []int{18, 20, 34, 50, 101, 152}, ResNetArchs())

	for _, style := range []string{StyleCIFAR, StyleImageNet} {
		t.Run(style, func(t *testing.T) {
			model, err := NewResNet(10, 20, style)
			require.NoError(t, err)
			assert.Equal(t, "resnet20", model.Name())
			ctx := context.New()
			logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := Ones(g, shapes.Make(dtypes.Float32, 2, 16, 16, 3))
				return model.Logits(ctx, images)
			})
			require.NoError(t, logits.Shape().CheckDims(2, 10))
		})
	}

	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamResNetArch:  50,
		ParamStyle:       "ImageNet",
		ParamDropoutRate: 0.1,
	})
	model, err := ResNetFromContext(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "resnet50", model.Name())
	assert.Equal(t, StyleImageNet, model.Style())
	assert.Equal(t, 0.1, model.DropoutRate())
	assert.Equal(t, 100, model.NumClasses())
}

func TestWideResNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	for _, depth := range []int{4, 12, 27} {
		_, err := NewWideResNet(10, depth, 1, StyleCIFAR)
		require.ErrorIsf(t, err, ErrInvalidArgument, "depth=%d", depth)
	}
	_, err := NewWideResNet(10, 10, 0, StyleCIFAR)
	require.ErrorIs(t, err, ErrInvalidArgument)

	model, err := NewWideResNet(10, 10, 1, StyleCIFAR)
	require.NoError(t, err)
	model, err = model.WithDropout(0.3)
	require.NoError(t, err)
	assert.Equal(t, "wideresnet10x1", model.Name())
	ctx := context.New()
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 2, 8, 8, 3))
		return model.Logits(ctx, images)
	})
	require.NoError(t, logits.Shape().CheckDims(2, 10))

	model, err = WideResNetFromContext(context.New(), 10)
	require.NoError(t, err)
	assert.Equal(t, "wideresnet28x10", model.Name())
	assert.Equal(t, 0.3, model.DropoutRate())
}

func TestDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	shape := shapes.Make(dtypes.Float32, 100, 100)

	// zerosRatio returns the fraction of elements dropped.
	zerosRatio := func(training, mc, mcLastLayer, lastLayer bool) float32 {
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, training)
			ctx.SetGraphParam(g, GraphParamMCDropout, mc)
			ctx.SetGraphParam(g, GraphParamMCDropoutLastLayer, mcLastLayer)
			x := dropout(ctx, Ones(g, shape), 0.5, lastLayer)
			return ReduceAllMean(ConvertDType(Equal(x, ScalarZero(g, dtypes.Float32)), dtypes.Float32))
		})
		return got.Value().(float32)
	}
	assert.InDelta(t, 0.5, zerosRatio(true, false, false, false), 0.05)
	assert.Equal(t, float32(0), zerosRatio(false, false, false, true))
	assert.InDelta(t, 0.5, zerosRatio(false, true, false, false), 0.05)
	assert.Equal(t, float32(0), zerosRatio(false, true, true, false))
	assert.InDelta(t, 0.5, zerosRatio(false, true, true, true), 0.05)

	// Kept elements are scaled so the mean is preserved.
	mean := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		return ReduceAllMean(dropout(ctx, Ones(g, shape), 0.5, false))
	})
	assert.InDelta(t, 1.0, float64(mean.Value().(float32)), 0.05)
}

func newTestLeNet(t *testing.T, dropoutRate float64) *LeNet {
	model, err := NewLeNet(3, NormNone)
	require.NoError(t, err)
	model, err = model.WithDropout(dropoutRate)
	require.NoError(t, err)
	return model
}

func TestMCDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	_, err := NewMCDropout(newTestLeNet(t, 0.5), 0, false)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewMCDropout(newTestLeNet(t, 0.5), -1, false)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewMCDropout(newTestLeNet(t, 0), 4, false)
	require.ErrorIs(t, err, ErrInvalidArgument)

	const numEstimators, batchSize = 4, 2
	mc, err := NewMCDropout(newTestLeNet(t, 0.5), numEstimators, false)
	require.NoError(t, err)
	assert.Equal(t, "mc-dropout-lenet", mc.Name())
	assert.Equal(t, 3, mc.NumClasses())
	assert.False(t, mc.Training())

	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	newImages := func(g *Graph) *Node {
		return Ones(g, shapes.Make(dtypes.Float32, batchSize, 8, 8, 1))
	}

	t.Run("Logits", func(t *testing.T) {
		ctx := ctx.In(path.Base(t.Name()))
		logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return mc.Logits(ctx, newImages(g))
		})
		require.NoError(t, logits.Shape().CheckDims(numEstimators*batchSize, 3))
	})

	t.Run("EstimatorLogits", func(t *testing.T) {
		ctx := ctx.In(path.Base(t.Name()))
		logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return mc.EstimatorLogits(ctx, newImages(g))
		})
		require.NoError(t, logits.Shape().CheckDims(numEstimators, batchSize, 3))

		// Each estimator draws its own dropout mask, so their predictions for the same example differ.
		values := logits.Value().([][][]float32)
		assert.NotEqual(t, values[0][0], values[1][0])
	})

	t.Run("MeanLogits", func(t *testing.T) {
		ctx := ctx.In(path.Base(t.Name()))
		probs := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return Exp(mc.MeanLogits(ctx, newImages(g)))
		})
		require.NoError(t, probs.Shape().CheckDims(batchSize, 3))
		for _, row := range probs.Value().([][]float32) {
			var sum float64
			for _, p := range row {
				sum += float64(p)
			}
			assert.InDelta(t, 1.0, sum, 1e-4)
		}
	})

	t.Run("ModelFn", func(t *testing.T) {
		ctx := ctx.In(path.Base(t.Name()))
		logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ModelFn(mc)(ctx, nil, []*Node{newImages(g)})[0]
		})
		require.NoError(t, logits.Shape().CheckDims(batchSize, 3))
	})

	t.Run("Training", func(t *testing.T) {
		ctx := ctx.In(path.Base(t.Name()))
		mc.Train(true)
		defer mc.Train(false)
		assert.True(t, mc.Training())
		logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return mc.EstimatorLogits(ctx, newImages(g))
		})
		require.NoError(t, logits.Shape().CheckDims(1, batchSize, 3))
	})
}

func TestMCDropoutFromContext(t *testing.T) {
	lenet := newTestLeNet(t, 0.2)

	ctx := context.New()
	model, err := MCDropoutFromContext(ctx, lenet)
	require.NoError(t, err)
	assert.Same(t, Model(lenet), model)

	ctx.SetParams(map[string]any{ParamMCEstimators: 8, ParamMCLastLayer: true})
	model, err = MCDropoutFromContext(ctx, lenet)
	require.NoError(t, err)
	mc, ok := model.(*MCDropout)
	require.True(t, ok)
	assert.Equal(t, 8, mc.NumEstimators())
	assert.True(t, mc.LastLayer())
	assert.Same(t, Model(lenet), mc.Model())

	ctx.SetParam(ParamMCEstimators, -2)
	_, err = MCDropoutFromContext(ctx, lenet)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
