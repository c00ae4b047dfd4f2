// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/uncertainty/pkg/calibration"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/pkg/errors"
)

// Values of ParamTemperatureScaling: the split used to fit the temperature.
const (
	TemperatureScalingNone = "none"
	TemperatureScalingVal  = "val"
	TemperatureScalingTest = "test"
)

// temperatureScalingSplit returns the split configured in ParamTemperatureScaling, or "" if disabled.
func temperatureScalingSplit(ctx *context.Context) (string, error) {
	split := context.GetParamOr(ctx, ParamTemperatureScaling, TemperatureScalingNone)
	switch split {
	case "", TemperatureScalingNone:
		return "", nil
	case TemperatureScalingVal, TemperatureScalingTest:
		return split, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "%s=%q, valid values are %q, %q or %q", ParamTemperatureScaling,
		split, TemperatureScalingNone, TemperatureScalingVal, TemperatureScalingTest)
}

// CollectLogits runs the model over the dataset, until it is exhausted, and returns its logits shaped
// [examples, classes] and the labels shaped [examples].
//
// For MCDropout the logits of every estimator are returned as separate examples, with the labels repeated, so
// a temperature fitted on them is the one that calibrates each estimator.
func CollectLogits(backend backends.Backend, ctx *context.Context, model models.Model, ds train.Dataset) (
	logits, labels *tensors.Tensor, err error) {
	mc, isEnsemble := model.(*models.MCDropout)
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images, labels *Node) []*Node {
		ctx = ctx.In("model")
		batchSize := images.Shape().Dimensions[0]
		var logits *Node
		if isEnsemble {
			logits = Reshape(mc.EstimatorLogits(ctx, images), mc.NumEstimators()*batchSize, model.NumClasses())
		} else {
			logits = model.Logits(ctx, images)
		}
		labels = Reshape(ConvertDType(labels, dtypes.Int32), batchSize)
		return []*Node{ConvertDType(logits, dtypes.Float32), labels}
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "building logits of %s", model.Name())
	}
	defer exec.Finalize()

	numEstimators := 1
	if isEnsemble {
		numEstimators = mc.NumEstimators()
	}
	var allLogits []float32
	var allLabels []int32
	ds.Reset()
	defer ds.Reset()
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading %s", ds.Name())
		}
		if len(inputs) == 0 || len(batchLabels) == 0 {
			return nil, nil, errors.Errorf("dataset %s must yield images and labels", ds.Name())
		}
		outputs, err := exec.Exec(inputs[0], batchLabels[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "computing logits of %s", model.Name())
		}
		err = outputs[0].ConstFlatData(func(flat any) {
			allLogits = append(allLogits, flat.([]float32)...)
		})
		if err != nil {
			return nil, nil, err
		}
		err = outputs[1].ConstFlatData(func(flat any) {
			batch := flat.([]int32)
			for range numEstimators {
				allLabels = append(allLabels, batch...)
			}
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if len(allLabels) == 0 {
		return nil, nil, errors.Errorf("dataset %s is empty", ds.Name())
	}
	numClasses := model.NumClasses()
	if len(allLogits) != len(allLabels)*numClasses {
		return nil, nil, errors.Errorf("got %d logits for %d labels and %d classes", len(allLogits),
			len(allLabels), numClasses)
	}
	return tensors.FromFlatDataAndDimensions(allLogits, len(allLabels), numClasses),
		tensors.FromFlatDataAndDimensions(allLabels, len(allLabels)), nil
}

// FitTemperature fits the temperature that calibrates the model on the dataset, configured by the
// calibration hyperparameters in ctx.
func FitTemperature(backend backends.Backend, ctx *context.Context, model models.Model, ds train.Dataset) (
	float64, error) {
	logits, labels, err := CollectLogits(backend, ctx, model, ds)
	if err != nil {
		return 0, err
	}
	temperature, err := calibration.NewTemperatureScaler().FromContext(ctx).Fit(backend, logits, labels)
	if err != nil {
		return 0, errors.WithMessagef(err, "fitting temperature of %s on %s", model.Name(), ds.Name())
	}
	return temperature, nil
}
