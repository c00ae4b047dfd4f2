// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

const (
	// ParamWideResNetDepth is the depth of the WideResNet, of the form 6n+4.
	ParamWideResNetDepth = "wideresnet_depth"

	// ParamWideResNetWidenFactor is the multiplier of the number of channels of the WideResNet.
	ParamWideResNetWidenFactor = "wideresnet_widen_factor"
)

// WideResNet is the wide residual network: three stages of n basic blocks (depth = 6n+4), with the channels
// multiplied by the widen factor and dropout in between the convolutions of each block.
type WideResNet struct {
	depth, widenFactor, numClasses int
	style                          string
	dropoutRate                    float64
}

var _ WithDropout = (*WideResNet)(nil)

// NewWideResNet creates a WideResNet. The usual configuration is depth 28 and widenFactor 10.
func NewWideResNet(numClasses, depth, widenFactor int, style string) (*WideResNet, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewWideResNet: numClasses must be > 0, got %d", numClasses)
	}
	if depth < 10 || (depth-4)%6 != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewWideResNet: depth must be of the form 6n+4 (n>=1), got %d", depth)
	}
	if widenFactor <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewWideResNet: widenFactor must be > 0, got %d", widenFactor)
	}
	style, err := parseStyle(style)
	if err != nil {
		return nil, errors.WithMessage(err, "NewWideResNet")
	}
	return &WideResNet{depth: depth, widenFactor: widenFactor, numClasses: numClasses, style: style}, nil
}

// WideResNetFromContext creates a WideResNet configured by the context hyperparameters ParamWideResNetDepth,
// ParamWideResNetWidenFactor, ParamStyle and ParamDropoutRate.
func WideResNetFromContext(ctx *context.Context, numClasses int) (*WideResNet, error) {
	w, err := NewWideResNet(numClasses,
		context.GetParamOr(ctx, ParamWideResNetDepth, 28),
		context.GetParamOr(ctx, ParamWideResNetWidenFactor, 10),
		context.GetParamOr(ctx, ParamStyle, StyleCIFAR))
	if err != nil {
		return nil, err
	}
	return w.WithDropout(context.GetParamOr(ctx, ParamDropoutRate, 0.3))
}

// WithDropout sets the dropout rate used inside the residual blocks. It must be in [0, 1).
func (w *WideResNet) WithDropout(rate float64) (*WideResNet, error) {
	if err := checkDropoutRate(rate); err != nil {
		return nil, errors.WithMessage(err, "WideResNet")
	}
	w.dropoutRate = rate
	return w, nil
}

// Name implements Model.
func (w *WideResNet) Name() string { return fmt.Sprintf("wideresnet%dx%d", w.depth, w.widenFactor) }

// NumClasses implements Model.
func (w *WideResNet) NumClasses() int { return w.numClasses }

// DropoutRate implements WithDropout.
func (w *WideResNet) DropoutRate() float64 { return w.dropoutRate }

// Logits implements Model.
func (w *WideResNet) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := checkImages(w.Name(), images)
	nextCtx := layerCounter(ctx)
	blocksPerStage := (w.depth - 4) / 6

	x := stem(nextCtx, images, 16, w.style)
	inChannels := 16
	stageWidths := []int{16, 32, 64}
	for stage, baseWidth := range stageWidths {
		width := baseWidth * w.widenFactor
		for block := range blocksPerStage {
			strides := 1
			if block == 0 && stage > 0 {
				strides = 2
			}
			isLast := stage == len(stageWidths)-1 && block == blocksPerStage-1
			x = basicBlock(nextCtx(fmt.Sprintf("stage%d_block%d", stage, block)), x, inChannels, width, strides,
				w.dropoutRate, isLast)
			inChannels = width
		}
	}
	x = ReduceMean(x, 1, 2)
	x.AssertDims(batchSize, inChannels)
	logits := layers.Dense(nextCtx("readout"), x, true, w.numClasses)
	return logits
}
