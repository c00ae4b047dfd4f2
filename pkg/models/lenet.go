// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// LeNet is the small convolutional classifier: two 5x5 convolution and pooling stages followed by three dense
// layers. The convolutions can be followed by batch normalization, and the hidden dense layers by dropout.
type LeNet struct {
	numClasses  int
	norm        string
	dropoutRate float64
}

var _ WithDropout = (*LeNet)(nil)

// NewLeNet creates a LeNet with the given normalization after the convolutions: NormBatch, or NormNone
// (NormIdentity is the same). Any other normalization returns an error.
func NewLeNet(numClasses int, norm string) (*LeNet, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewLeNet: numClasses must be > 0, got %d", numClasses)
	}
	norm = strings.ToLower(strings.TrimSpace(norm))
	if err := checkNormalization(norm); err != nil {
		return nil, errors.WithMessage(err, "NewLeNet")
	}
	return &LeNet{numClasses: numClasses, norm: norm}, nil
}

// LeNetFromContext creates a LeNet configured by the context hyperparameters ParamNormalization and
// ParamDropoutRate.
func LeNetFromContext(ctx *context.Context, numClasses int) (*LeNet, error) {
	l, err := NewLeNet(numClasses, context.GetParamOr(ctx, ParamNormalization, NormNone))
	if err != nil {
		return nil, err
	}
	return l.WithDropout(context.GetParamOr(ctx, ParamDropoutRate, 0.0))
}

// WithDropout sets the dropout rate applied after the hidden dense layers. It must be in [0, 1).
func (l *LeNet) WithDropout(rate float64) (*LeNet, error) {
	if err := checkDropoutRate(rate); err != nil {
		return nil, errors.WithMessage(err, "LeNet")
	}
	l.dropoutRate = rate
	return l, nil
}

// Name implements Model.
func (l *LeNet) Name() string { return "lenet" }

// NumClasses implements Model.
func (l *LeNet) NumClasses() int { return l.numClasses }

// DropoutRate implements WithDropout.
func (l *LeNet) DropoutRate() float64 { return l.dropoutRate }

// Normalization returns the normalization used after the convolutions.
func (l *LeNet) Normalization() string { return l.norm }

// Logits implements Model.
func (l *LeNet) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := checkImages(l.Name(), images)
	nextCtx := layerCounter(ctx)

	x := images
	for _, channels := range []int{6, 16} {
		x = layers.Convolution(nextCtx("conv"), x).Channels(channels).KernelSize(5).PadSame().Done()
		x = normalize(nextCtx("norm"), x, l.norm)
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Done()
	}

	x = Reshape(x, batchSize, -1)
	x = activations.Relu(layers.Dense(nextCtx("dense"), x, true, 120))
	x = dropout(nextCtx("dropout"), x, l.dropoutRate, false)
	x = activations.Relu(layers.Dense(nextCtx("dense"), x, true, 84))
	x = dropout(nextCtx("dropout"), x, l.dropoutRate, true)
	logits := layers.Dense(nextCtx("readout"), x, true, l.numClasses)
	logits.AssertDims(batchSize, l.numClasses)
	return logits
}
