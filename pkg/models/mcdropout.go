// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamMCEstimators is the number of Monte-Carlo dropout estimators. 0 disables the MCDropout wrapper.
	ParamMCEstimators = "mc_estimators"

	// ParamMCLastLayer keeps only the last dropout layer stochastic at evaluation.
	ParamMCLastLayer = "mc_last_layer"
)

// MCDropout wraps a model with dropout and, at evaluation, runs numEstimators stochastic forward passes
// with dropout kept active, giving an ensemble of predictions.
//
// In training mode it is a single pass of the wrapped model, with its usual dropout.
type MCDropout struct {
	model         WithDropout
	numEstimators int
	lastLayer     bool
	training      bool
}

var _ Model = (*MCDropout)(nil)

// NewMCDropout wraps model, which must implement WithDropout with a dropout rate > 0. numEstimators must be > 0.
// If lastLayer is true, only the last dropout layer of the model is stochastic at evaluation.
func NewMCDropout(model Model, numEstimators int, lastLayer bool) (*MCDropout, error) {
	if numEstimators <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewMCDropout: numEstimators must be > 0, got %d", numEstimators)
	}
	withDropout, ok := model.(WithDropout)
	if !ok || withDropout.DropoutRate() <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewMCDropout: model %q must have dropout (rate > 0)", model.Name())
	}
	return &MCDropout{model: withDropout, numEstimators: numEstimators, lastLayer: lastLayer}, nil
}

// MCDropoutFromContext wraps model according to the context hyperparameters ParamMCEstimators and ParamMCLastLayer.
// If the number of estimators is 0, the model is returned as is.
func MCDropoutFromContext(ctx *context.Context, model Model) (Model, error) {
	numEstimators := context.GetParamOr(ctx, ParamMCEstimators, 0)
	if numEstimators == 0 {
		return model, nil
	}
	return NewMCDropout(model, numEstimators, context.GetParamOr(ctx, ParamMCLastLayer, false))
}

// Name implements Model.
func (m *MCDropout) Name() string { return fmt.Sprintf("mc-dropout-%s", m.model.Name()) }

// NumClasses implements Model.
func (m *MCDropout) NumClasses() int { return m.model.NumClasses() }

// NumEstimators returns the number of stochastic passes at evaluation.
func (m *MCDropout) NumEstimators() int { return m.numEstimators }

// LastLayer returns whether only the last dropout layer is stochastic at evaluation.
func (m *MCDropout) LastLayer() bool { return m.lastLayer }

// Model returns the wrapped model.
func (m *MCDropout) Model() Model { return m.model }

// Train sets the mode of the wrapper: in training mode Logits is a single pass.
// Graphs built by a trainer for training (see context.Context.IsTraining) are always in training mode.
func (m *MCDropout) Train(training bool) {
	klog.V(2).Infof("%s: training=%v", m.Name(), training)
	m.training = training
}

// Training returns whether the wrapper is in training mode.
func (m *MCDropout) Training() bool { return m.training }

func (m *MCDropout) isTraining(ctx *context.Context, g *Graph) bool {
	return m.training || ctx.IsTraining(g)
}

// Logits implements Model. In evaluation mode the result is shaped [numEstimators * batch, numClasses],
// with the estimators as the major axis. In training mode it is shaped [batch, numClasses].
func (m *MCDropout) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := checkImages(m.Name(), images)
	g := images.Graph()
	if m.isTraining(ctx, g) {
		// Dropout is active outside the trainer's training graphs too.
		ctx.SetGraphParam(g, GraphParamMCDropout, true)
		ctx.SetGraphParam(g, GraphParamMCDropoutLastLayer, false)
		return m.model.Logits(ctx, images)
	}
	ctx.SetGraphParam(g, GraphParamMCDropout, true)
	ctx.SetGraphParam(g, GraphParamMCDropoutLastLayer, m.lastLayer)

	// Repeat the batch for each estimator: each copy gets its own dropout mask.
	dims := images.Shape().Dimensions
	repeatedDims := append([]int{m.numEstimators}, dims...)
	repeated := BroadcastToDims(ExpandAxes(images, 0), repeatedDims...)
	repeated = Reshape(repeated, append([]int{m.numEstimators * batchSize}, dims[1:]...)...)
	logits := m.model.Logits(ctx, repeated)
	logits.AssertDims(m.numEstimators*batchSize, m.NumClasses())
	return logits
}

// EstimatorLogits returns the logits of each estimator, shaped [numEstimators, batch, numClasses], in
// evaluation mode. In training mode, it returns the single pass shaped [1, batch, numClasses].
func (m *MCDropout) EstimatorLogits(ctx *context.Context, images *Node) *Node {
	batchSize := checkImages(m.Name(), images)
	logits := m.Logits(ctx, images)
	numEstimators := m.numEstimators
	if m.isTraining(ctx, images.Graph()) {
		numEstimators = 1
	}
	return Reshape(logits, numEstimators, batchSize, m.NumClasses())
}

// MeanLogits returns the log of the probabilities averaged over the estimators, shaped [batch, numClasses].
// Its softmax is the ensemble prediction. In training mode, it returns the single pass logits.
func (m *MCDropout) MeanLogits(ctx *context.Context, images *Node) *Node {
	if m.isTraining(ctx, images.Graph()) {
		return m.Logits(ctx, images)
	}
	probs := Softmax(m.EstimatorLogits(ctx, images), -1)
	return Log(ReduceMean(probs, 0))
}
