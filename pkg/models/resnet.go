// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Hyperparameters of the models, read by the FromContext functions.
const (
	// ParamResNetArch is the depth of the ResNet: 18, 20, 34, 50, 101 or 152.
	ParamResNetArch = "resnet_arch"

	// ParamStyle is the stem style of ResNet and WideResNet: "cifar" (3x3 convolution, no pooling) or "imagenet".
	ParamStyle = "model_style"

	// ParamDropoutRate is the dropout rate of the models. 0 disables dropout.
	ParamDropoutRate = "dropout_rate"

	// ParamNormalization is the normalization of the LeNet: "batch" or "none".
	ParamNormalization = "normalization"
)

// Style of the stem of the residual networks.
const (
	StyleCIFAR    = "cifar"
	StyleImageNet = "imagenet"
)

// resnetLayout describes the residual stages of one ResNet depth.
type resnetLayout struct {
	blocks     []int
	widths     []int
	stem       int
	bottleneck bool
}

var resnetLayouts = map[int]resnetLayout{
	18:  {blocks: []int{2, 2, 2, 2}, widths: []int{64, 128, 256, 512}, stem: 64},
	20:  {blocks: []int{3, 3, 3}, widths: []int{16, 32, 64}, stem: 16},
	34:  {blocks: []int{3, 4, 6, 3}, widths: []int{64, 128, 256, 512}, stem: 64},
	50:  {blocks: []int{3, 4, 6, 3}, widths: []int{64, 128, 256, 512}, stem: 64, bottleneck: true},
	101: {blocks: []int{3, 4, 23, 3}, widths: []int{64, 128, 256, 512}, stem: 64, bottleneck: true},
	152: {blocks: []int{3, 8, 36, 3}, widths: []int{64, 128, 256, 512}, stem: 64, bottleneck: true},
}

// ResNetArchs returns the supported ResNet depths, sorted.
func ResNetArchs() []int {
	archs := make([]int, 0, len(resnetLayouts))
	for arch := range resnetLayouts {
		archs = append(archs, arch)
	}
	slices.Sort(archs)
	return archs
}

// bottleneckExpansion is the ratio of output to inner channels of bottleneck blocks.
const bottleneckExpansion = 4

// ResNet is the residual network classifier, with basic blocks for depths 18, 20 and 34, and bottleneck blocks
// for 50, 101 and 152. All convolutions are followed by batch normalization.
type ResNet struct {
	arch, numClasses int
	style            string
	dropoutRate      float64
}

var _ WithDropout = (*ResNet)(nil)

// NewResNet creates a ResNet of the given depth (see ResNetArchs) and style (StyleCIFAR or StyleImageNet).
func NewResNet(numClasses, arch int, style string) (*ResNet, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewResNet: numClasses must be > 0, got %d", numClasses)
	}
	if _, found := resnetLayouts[arch]; !found {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewResNet: arch must be one of %v, got %d", ResNetArchs(), arch)
	}
	style, err := parseStyle(style)
	if err != nil {
		return nil, errors.WithMessage(err, "NewResNet")
	}
	return &ResNet{arch: arch, numClasses: numClasses, style: style}, nil
}

// ResNetFromContext creates a ResNet configured by the context hyperparameters ParamResNetArch, ParamStyle and
// ParamDropoutRate.
func ResNetFromContext(ctx *context.Context, numClasses int) (*ResNet, error) {
	r, err := NewResNet(numClasses,
		context.GetParamOr(ctx, ParamResNetArch, 18),
		context.GetParamOr(ctx, ParamStyle, StyleCIFAR))
	if err != nil {
		return nil, err
	}
	return r.WithDropout(context.GetParamOr(ctx, ParamDropoutRate, 0.0))
}

// WithDropout sets the dropout rate applied before the classifier. It must be in [0, 1).
func (r *ResNet) WithDropout(rate float64) (*ResNet, error) {
	if err := checkDropoutRate(rate); err != nil {
		return nil, errors.WithMessage(err, "ResNet")
	}
	r.dropoutRate = rate
	return r, nil
}

// Name implements Model.
func (r *ResNet) Name() string { return fmt.Sprintf("resnet%d", r.arch) }

// NumClasses implements Model.
func (r *ResNet) NumClasses() int { return r.numClasses }

// DropoutRate implements WithDropout.
func (r *ResNet) DropoutRate() float64 { return r.dropoutRate }

// Arch returns the depth of the ResNet.
func (r *ResNet) Arch() int { return r.arch }

// Style returns the stem style.
func (r *ResNet) Style() string { return r.style }

// Logits implements Model.
func (r *ResNet) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := checkImages(r.Name(), images)
	layout := resnetLayouts[r.arch]
	nextCtx := layerCounter(ctx)

	x := stem(nextCtx, images, layout.stem, r.style)
	inChannels := layout.stem
	for stage, numBlocks := range layout.blocks {
		width := layout.widths[stage]
		for block := range numBlocks {
			strides := 1
			if block == 0 && stage > 0 {
				strides = 2
			}
			blockCtx := nextCtx(fmt.Sprintf("stage%d_block%d", stage, block))
			if layout.bottleneck {
				x = bottleneckBlock(blockCtx, x, inChannels, width, strides)
				inChannels = width * bottleneckExpansion
			} else {
				x = basicBlock(blockCtx, x, inChannels, width, strides, 0, false)
				inChannels = width
			}
		}
	}

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	x.AssertDims(batchSize, inChannels)
	x = dropout(nextCtx("dropout"), x, r.dropoutRate, true)
	logits := layers.Dense(nextCtx("readout"), x, true, r.numClasses)
	logits.AssertDims(batchSize, r.numClasses)
	return logits
}

// stem is the first convolution of the residual networks.
func stem(nextCtx func(string) *context.Context, images *Node, channels int, style string) *Node {
	if style == StyleImageNet {
		x := layers.Convolution(nextCtx("conv"), images).Channels(channels).KernelSize(7).Strides(2).
			PadSame().UseBias(false).Done()
		x = activations.Relu(normalize(nextCtx("norm"), x, NormBatch))
		return MaxPool(x).Window(3).Strides(2).PadSame().Done()
	}
	x := layers.Convolution(nextCtx("conv"), images).Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
	return activations.Relu(normalize(nextCtx("norm"), x, NormBatch))
}

// conv is a convolution without bias followed by batch normalization.
func conv(ctx *context.Context, x *Node, channels, kernelSize, strides int) *Node {
	x = layers.Convolution(ctx.In("conv"), x).Channels(channels).KernelSize(kernelSize).Strides(strides).
		PadSame().UseBias(false).Done()
	return normalize(ctx.In("norm"), x, NormBatch)
}

// shortcut projects x with a 1x1 convolution if its shape changes in the block.
func shortcut(ctx *context.Context, x *Node, inChannels, outChannels, strides int) *Node {
	if strides == 1 && inChannels == outChannels {
		return x
	}
	return conv(ctx.In("shortcut"), x, outChannels, 1, strides)
}

// basicBlock is two 3x3 convolutions with a residual connection. dropoutRate is applied in between the
// convolutions (used by WideResNet), and lastDropout marks it as the last dropout layer of the model.
func basicBlock(ctx *context.Context, x *Node, inChannels, width, strides int, dropoutRate float64,
	lastDropout bool) *Node {
	residual := shortcut(ctx, x, inChannels, width, strides)
	x = activations.Relu(conv(ctx.In("a"), x, width, 3, strides))
	x = dropout(ctx.In("dropout"), x, dropoutRate, lastDropout)
	x = conv(ctx.In("b"), x, width, 3, 1)
	return activations.Relu(Add(x, residual))
}

// bottleneckBlock is a 1x1 reduction, a 3x3 convolution and a 1x1 expansion, with a residual connection.
func bottleneckBlock(ctx *context.Context, x *Node, inChannels, width, strides int) *Node {
	outChannels := width * bottleneckExpansion
	residual := shortcut(ctx, x, inChannels, outChannels, strides)
	x = activations.Relu(conv(ctx.In("a"), x, width, 1, 1))
	x = activations.Relu(conv(ctx.In("b"), x, width, 3, strides))
	x = conv(ctx.In("c"), x, outChannels, 1, 1)
	return activations.Relu(Add(x, residual))
}

func parseStyle(style string) (string, error) {
	style = strings.ToLower(strings.TrimSpace(style))
	switch style {
	case StyleCIFAR, StyleImageNet:
		return style, nil
	case "":
		return StyleCIFAR, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "style must be %q or %q, got %q", StyleCIFAR, StyleImageNet, style)
}

func checkDropoutRate(rate float64) error {
	if rate < 0 || rate >= 1 {
		return errors.Wrapf(ErrInvalidArgument, "dropout rate must be in [0, 1), got %g", rate)
	}
	return nil
}
