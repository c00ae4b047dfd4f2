// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestEntropyGraph(t *testing.T) {
	graphtest.RunTestGraphFn(t, "EntropyGraph rank 2",
		func(g *Graph) (inputs, outputs []*Node) {
			probs := Const(g, [][]float64{{1, 0}, {0.5, 0.5}, {0.25, 0.75}})
			inputs = []*Node{probs}
			outputs = []*Node{EntropyGraph(probs)}
			return
		}, []any{
			[]float64{0, math.Log(2), entr(0.25) + entr(0.75)},
		}, 1e-9)

	graphtest.RunTestGraphFn(t, "EntropyGraph rank 3",
		func(g *Graph) (inputs, outputs []*Node) {
			probs := Const(g, [][][]float32{{{1, 0}}, {{0.5, 0.5}}})
			inputs = []*Node{probs}
			outputs = []*Node{EntropyGraph(probs)}
			return
		}, []any{
			[]float32{float32(math.Log(2) / 2)},
		}, 1e-5)
}

// TestEntropyGraphMatchesAccumulator checks the in-graph and Go versions agree, including on edge values.
func TestEntropyGraphMatchesAccumulator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	flat := []float64{0.2, 0.8, 0, 1, -0.5, 1.5, 0.3, 0.7}
	exec := MustNewExec(backend, EntropyGraph)
	got, err := exec.Exec1(tensors.FromFlatDataAndDimensions(flat, 4, 2))
	require.NoError(t, err)
	gotFlat := tensors.MustCopyFlatData[float64](got)

	e := must1(NewEntropy(ReductionNone))
	require.NoError(t, e.UpdateFlat(flat, 4, 2))
	want := must1(e.Compute()).Sequence()
	require.Len(t, gotFlat, len(want))
	for ii := range want {
		if math.IsInf(want[ii], -1) {
			assert.True(t, math.IsInf(gotFlat[ii], -1), "sample %d", ii)
			continue
		}
		assert.InDelta(t, want[ii], gotFlat[ii], 1e-9, "sample %d", ii)
	}
}

func TestEntropyMetric(t *testing.T) {
	_, err := NewEntropyMetric("Entropy", "H", ReductionNone)
	require.ErrorIs(t, err, ErrInvalidArgument)

	metric, err := NewEntropyMetric("Mean Entropy", "H", ReductionMean)
	require.NoError(t, err)
	assert.Equal(t, EntropyMetricType, metric.MetricType())
	assert.Equal(t, "H", metric.ShortName())
	scope := metric.ScopeName()
	assert.NotEmpty(t, scope)
	assert.Equal(t, scope, metric.ScopeName())

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, logits *Node) *Node {
		return metric.UpdateGraph(ctx, nil, []*Node{logits})
	})
	// Equal logits give uniform probabilities; very different logits an almost one-hot.
	probs := exec.MustExec1([][]float32{{0, 0}, {-100, 100}})
	metric.UpdateGo(probs)
	value := tensors.ToScalar[float64](metric.ReadGo())
	assert.InDelta(t, math.Log(2)/2, value, 1e-5)
	assert.Equal(t, "0.347", metric.PrettyPrint(metric.ReadGo()))

	metric.Reset(ctx)
	assert.Panics(t, func() { metric.ReadGo() })
	assert.Equal(t, 0, metric.Entropy().Count())
}
