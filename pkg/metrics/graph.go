// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	trainmetrics "github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// EntropyGraph returns the per-sample entropy of probs, shaped [batch, classes] or [estimators, batch, classes].
// The result is shaped [batch], averaged over the estimators if present.
//
// It follows the same semantics as Entropy: 0·log(0) = 0, negative probabilities yield -Inf and NaN is
// propagated.
func EntropyGraph(probs *Node) *Node {
	rank := probs.Rank()
	if rank != 2 && rank != 3 {
		Panicf("EntropyGraph: probabilities must be shaped [batch, classes] or [estimators, batch, classes], got %s",
			probs.Shape())
	}
	if !probs.DType().IsFloat() {
		Panicf("EntropyGraph: probabilities must be a float, got %s", probs.Shape())
	}
	g := probs.Graph()
	dtype := probs.DType()
	zeros := ZerosLike(probs)
	safeLog := Log(Where(GreaterThan(probs, zeros), probs, OnesLike(probs)))
	terms := Neg(Mul(probs, safeLog))
	terms = Where(LessThan(probs, zeros), BroadcastToShape(Infinity(g, dtype, -1), probs.Shape()), terms)
	scores := ReduceSum(terms, -1)
	if rank == 3 {
		scores = ReduceMean(scores, 0)
	}
	return scores
}

// ProbabilitiesGraph converts logits to probabilities with a softmax over the last axis.
func ProbabilitiesGraph(logits *Node) *Node {
	return Softmax(logits, -1)
}

// EntropyMetric adapts an Entropy accumulator to a GoMLX metric, so it can be used as an evaluation metric of
// a train.Trainer.
//
// The graph side converts the logits predicted by the model to probabilities, and the accumulation happens in Go.
type EntropyMetric struct {
	name, shortName, scopeName string
	entropy                    *Entropy
}

var _ trainmetrics.UpdateGo = (*EntropyMetric)(nil)

// EntropyMetricType is the GoMLX metric type of EntropyMetric.
const EntropyMetricType = "entropy"

// NewEntropyMetric creates a GoMLX metric backed by an Entropy accumulator with the given reduction.
// Only ReductionMean and ReductionSum can be used, since GoMLX metrics report one value.
func NewEntropyMetric(name, shortName string, reduction Reduction) (*EntropyMetric, error) {
	if reduction == ReductionNone {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewEntropyMetric(%q): reduction none not supported", name)
	}
	entropy, err := NewEntropy(reduction)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewEntropyMetric(%q)", name)
	}
	return &EntropyMetric{name: name, shortName: shortName, entropy: entropy}, nil
}

// Entropy returns the underlying accumulator.
func (m *EntropyMetric) Entropy() *Entropy { return m.entropy }

// Name implements metrics.Interface.
func (m *EntropyMetric) Name() string { return m.name }

// ShortName implements metrics.Interface.
func (m *EntropyMetric) ShortName() string { return m.shortName }

// MetricType implements metrics.Interface.
func (m *EntropyMetric) MetricType() string { return EntropyMetricType }

// ScopeName implements metrics.Interface.
func (m *EntropyMetric) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = context.EscapeScopeName(fmt.Sprintf("%s_uuid_%s", m.name, uuid.NewString()))
	}
	return m.scopeName
}

// UpdateGraph implements metrics.Interface. It returns the probabilities, converted to Float64, of the first
// prediction, taken as logits.
func (m *EntropyMetric) UpdateGraph(_ *context.Context, _, predictions []*Node) *Node {
	if len(predictions) == 0 {
		Panicf("metric %q requires the logits as the first prediction", m.name)
	}
	return ConvertDType(ProbabilitiesGraph(predictions[0]), dtypes.Float64)
}

// UpdateGo implements metrics.UpdateGo.
func (m *EntropyMetric) UpdateGo(probs *tensors.Tensor) {
	if err := m.entropy.Update(probs); err != nil {
		panic(errors.WithMessagef(err, "metric %q", m.name))
	}
}

// ReadGo implements metrics.UpdateGo.
func (m *EntropyMetric) ReadGo() *tensors.Tensor {
	value, err := m.entropy.Compute()
	if err != nil {
		panic(errors.WithMessagef(err, "metric %q", m.name))
	}
	return value.Tensor()
}

// PrettyPrint implements metrics.Interface.
func (m *EntropyMetric) PrettyPrint(value *tensors.Tensor) string {
	switch v := value.Value().(type) {
	case float64:
		return fmt.Sprintf("%.3g", v)
	case float32:
		return fmt.Sprintf("%.3g", v)
	case float16.Float16:
		return fmt.Sprintf("%.3g", v.Float32())
	}
	return fmt.Sprintf("%v", value.Value())
}

// Reset implements metrics.Interface.
func (m *EntropyMetric) Reset(_ *context.Context) {
	m.entropy.Reset()
}
