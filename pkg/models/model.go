// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the baseline classification models used to study uncertainty: ResNet, WideResNet and
// LeNet, plus the MCDropout wrapper that turns any model with dropout into an ensemble of stochastic passes.
//
// Models take images shaped [batch, height, width, channels] and return logits shaped [batch, numClasses].
// Their variables are created in the given context, and their hyperparameters can be read from it with the
// corresponding FromContext functions.
package models

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned (wrapped) when a model is configured with unsupported values.
var ErrInvalidArgument = errors.New("invalid argument")

// Model produces the logits of a classifier for a batch of images.
type Model interface {
	// Name of the model, used in reports and checkpoint names, e.g. "resnet18".
	Name() string

	// NumClasses is the dimension of the logits.
	NumClasses() int

	// Logits builds the model graph for images shaped [batch, height, width, channels], and returns
	// the logits shaped [batch, numClasses].
	Logits(ctx *context.Context, images *Node) *Node
}

// WithDropout is implemented by models that use dropout.
type WithDropout interface {
	Model

	// DropoutRate used by the model. 0 means no dropout.
	DropoutRate() float64
}

// ensemble is implemented by models that output several predictions per example, like MCDropout.
type ensemble interface {
	MeanLogits(ctx *context.Context, images *Node) *Node
}

// ModelFn adapts a Model to a train.ModelFn, to be used with train.NewTrainer.
// The images are expected to be the first input, and the model is created under the "model" scope.
//
// Ensembles (e.g. MCDropout) return their averaged prediction, so the logits are always shaped
// [batch, numClasses].
func ModelFn(m Model) train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		if len(inputs) == 0 {
			Panicf("model %q requires the images as input", m.Name())
		}
		ctx = ctx.In("model")
		if e, ok := m.(ensemble); ok {
			return []*Node{e.MeanLogits(ctx, inputs[0])}
		}
		return []*Node{m.Logits(ctx, inputs[0])}
	}
}

const (
	// GraphParamMCDropout is the graph parameter that keeps dropout active outside of training.
	// It is set by MCDropout for its evaluation graphs.
	GraphParamMCDropout = "mc_dropout"

	// GraphParamMCDropoutLastLayer restricts GraphParamMCDropout to the last dropout layer of the model.
	GraphParamMCDropoutLastLayer = "mc_dropout_last_layer"
)

// dropout randomly zeroes elements of x with the given rate, scaling the remaining ones by 1/(1-rate).
//
// It is active while training, and also when the graph parameter GraphParamMCDropout is set.
// If GraphParamMCDropoutLastLayer is also set, only the dropout marked as lastLayer is active outside of training.
func dropout(ctx *context.Context, x *Node, rate float64, lastLayer bool) *Node {
	if rate <= 0 {
		return x
	}
	g := x.Graph()
	active := ctx.IsTraining(g)
	if !active && context.GetGraphParamOr(ctx, g, GraphParamMCDropout, false) {
		active = lastLayer || !context.GetGraphParamOr(ctx, g, GraphParamMCDropoutLastLayer, false)
	}
	if !active {
		return x
	}
	dtype := x.DType()
	rnd := ctx.RandomUniform(g, shapes.Make(dtype, x.Shape().Dimensions...))
	rateNode := Scalar(g, dtype, rate)
	dropped := Where(LessThan(rnd, rateNode), ZerosLike(x), x)
	return Div(dropped, OneMinus(rateNode))
}

// normalization kinds for the convolutional models.
const (
	NormBatch    = "batch"
	NormNone     = "none"
	NormIdentity = "identity"
)

func checkNormalization(norm string) error {
	switch norm {
	case NormBatch, NormNone, NormIdentity, "":
		return nil
	}
	return errors.Wrapf(ErrInvalidArgument, "normalization must be one of %q, %q or %q, got %q",
		NormBatch, NormNone, NormIdentity, norm)
}

// normalize applies the normalization to x, a [batch, ..., channels] tensor.
func normalize(ctx *context.Context, x *Node, norm string) *Node {
	switch norm {
	case NormBatch:
		return batchnorm.New(ctx, x, -1).Done()
	case NormNone, NormIdentity, "":
		return x
	}
	Panicf("invalid normalization %q", norm)
	return nil
}

// checkImages validates the images rank and returns the batch size.
func checkImages(modelName string, images *Node) int {
	if images.Rank() != 4 {
		Panicf("%s: images must be shaped [batch, height, width, channels], got %s", modelName, images.Shape())
	}
	return images.Shape().Dimensions[0]
}

// layerCounter returns a function that creates sequentially numbered sub-scopes of ctx.
func layerCounter(ctx *context.Context) func(name string) *context.Context {
	layerIdx := 0
	return func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
}
