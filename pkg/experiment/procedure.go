// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptimizationProcedure holds the optimizer settings used to train a model on a dataset.
// The learning rate follows a cosine schedule from LearningRate to MinLearningRate over the training.
type OptimizationProcedure struct {
	Optimizer                     string
	LearningRate, MinLearningRate float64

	// WeightDecay is applied as L2 regularization for "sgd", and as decoupled weight decay for "adamw".
	WeightDecay float64

	// Momentum of the original recipe. The SGD optimizer doesn't use it.
	Momentum float64

	// Epochs of training, used when the number of train steps is not given.
	Epochs int
}

type procedureKey struct {
	arch, dataset string
}

var procedures = map[procedureKey]OptimizationProcedure{
	{"resnet18", DatasetCIFAR10}:         {Optimizer: "sgd", LearningRate: 0.05, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 75},
	{"resnet18", DatasetCIFAR100}:        {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 75},
	{"resnet20", DatasetCIFAR10}:         {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 1e-4, Momentum: 0.9, Epochs: 160},
	{"resnet20", DatasetCIFAR100}:        {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 1e-4, Momentum: 0.9, Epochs: 160},
	{"resnet34", DatasetCIFAR10}:         {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 1e-4, Momentum: 0.9, Epochs: 200},
	{"resnet34", DatasetCIFAR100}:        {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 1e-4, Momentum: 0.9, Epochs: 200},
	{"resnet50", DatasetCIFAR10}:         {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 200},
	{"resnet50", DatasetCIFAR100}:        {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 200},
	{"wideresnet28x10", DatasetCIFAR10}:  {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 200},
	{"wideresnet28x10", DatasetCIFAR100}: {Optimizer: "sgd", LearningRate: 0.1, WeightDecay: 5e-4, Momentum: 0.9, Epochs: 200},
	{"lenet", DatasetCIFAR10}:            {Optimizer: "adamw", LearningRate: 1e-3, WeightDecay: 1e-4, Epochs: 30},
	{"lenet", DatasetCIFAR100}:           {Optimizer: "adamw", LearningRate: 1e-3, WeightDecay: 1e-4, Epochs: 30},
}

var versions = []string{VersionStd, VersionMCDropout}

// Procedure returns the optimization procedure for the model architecture (e.g. "resnet18", "wideresnet28x10")
// trained on the dataset. All versions share the procedure of the standard model.
func Procedure(arch, dataset, version string) (OptimizationProcedure, error) {
	if !slices.Contains(versions, version) {
		return OptimizationProcedure{}, errors.Wrapf(ErrInvalidArgument, "unknown version %q, valid versions are %q",
			version, versions)
	}
	p, found := procedures[procedureKey{arch, dataset}]
	if !found {
		return OptimizationProcedure{}, errors.Wrapf(ErrInvalidArgument, "no optimization procedure for %s on %s",
			arch, dataset)
	}
	return p, nil
}

// String implements fmt.Stringer.
func (p OptimizationProcedure) String() string {
	return fmt.Sprintf("%s(lr=%g, min_lr=%g, weight_decay=%g, epochs=%d)", p.Optimizer, p.LearningRate,
		p.MinLearningRate, p.WeightDecay, p.Epochs)
}

// Apply sets the optimizer hyperparameters in the context, except the ones listed in paramsSet.
// If ParamTrainSteps is 0, it is set to Epochs * stepsPerEpoch.
func (p OptimizationProcedure) Apply(ctx *context.Context, stepsPerEpoch int, paramsSet []string) {
	set := func(key string, value any) {
		if slices.Contains(paramsSet, key) {
			current, _ := ctx.GetParam(key)
			klog.V(1).Infof("procedure: keeping %s=%v, set explicitly", key, current)
			return
		}
		ctx.SetParam(key, value)
	}
	set(optimizers.ParamOptimizer, p.Optimizer)
	set(optimizers.ParamLearningRate, p.LearningRate)
	set(cosineschedule.ParamCycles, 1)
	set(cosineschedule.ParamMinLearningRate, p.MinLearningRate)
	switch p.Optimizer {
	case "sgd":
		// The gradient of amount*w^2 is 2*amount*w.
		set(regularizers.ParamL2, p.WeightDecay/2)
	case "adamw":
		set(optimizers.ParamAdamWeightDecay, p.WeightDecay)
	}
	if context.GetParamOr(ctx, ParamTrainSteps, 0) <= 0 {
		ctx.SetParam(ParamTrainSteps, p.Epochs*stepsPerEpoch)
	}
	klog.V(1).Infof("optimization procedure: %s", p)
}
