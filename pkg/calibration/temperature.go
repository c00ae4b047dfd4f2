// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package calibration implements post-hoc calibration of classifiers.
//
// TemperatureScaler fits a single temperature T on held-out logits, minimizing the negative log-likelihood of
// softmax(logits/T). The accuracy is unchanged, while the confidence of the predictions is adjusted.
package calibration

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalidArgument is returned (wrapped) for invalid configurations or inputs.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	// ParamSteps is the number of optimization steps used to fit the temperature.
	ParamSteps = "temperature_scaling_steps"

	// ParamLearningRate of the Adam optimizer used to fit the log of the temperature.
	ParamLearningRate = "temperature_scaling_learning_rate"

	// ParamInitialTemperature is the temperature the optimization starts from.
	ParamInitialTemperature = "temperature_scaling_initial"
)

// Defaults of TemperatureScaler.
const (
	DefaultSteps              = 200
	DefaultLearningRate       = 0.05
	DefaultInitialTemperature = 1.0
)

// Scope of the temperature variable in the fitting context.
const Scope = "temperature_scaling"

// TemperatureScaler fits the temperature that calibrates the logits of a classifier.
// Create it with NewTemperatureScaler, configure it and call Fit.
type TemperatureScaler struct {
	steps              int
	learningRate       float64
	initialTemperature float64

	temperature       float64
	initialLoss, loss float64
	fitted            bool
}

// NewTemperatureScaler returns a scaler with the default configuration.
func NewTemperatureScaler() *TemperatureScaler {
	return &TemperatureScaler{
		steps:              DefaultSteps,
		learningRate:       DefaultLearningRate,
		initialTemperature: DefaultInitialTemperature,
	}
}

// FromContext configures the scaler from the hyperparameters ParamSteps, ParamLearningRate and
// ParamInitialTemperature.
func (s *TemperatureScaler) FromContext(ctx *context.Context) *TemperatureScaler {
	s.steps = context.GetParamOr(ctx, ParamSteps, s.steps)
	s.learningRate = context.GetParamOr(ctx, ParamLearningRate, s.learningRate)
	s.initialTemperature = context.GetParamOr(ctx, ParamInitialTemperature, s.initialTemperature)
	return s
}

// Steps sets the number of optimization steps.
func (s *TemperatureScaler) Steps(steps int) *TemperatureScaler {
	s.steps = steps
	return s
}

// LearningRate sets the learning rate of the optimizer.
func (s *TemperatureScaler) LearningRate(lr float64) *TemperatureScaler {
	s.learningRate = lr
	return s
}

// InitialTemperature sets the temperature the optimization starts from.
func (s *TemperatureScaler) InitialTemperature(t float64) *TemperatureScaler {
	s.initialTemperature = t
	return s
}

// Temperature returns the fitted temperature, or 1 if Fit was not called.
func (s *TemperatureScaler) Temperature() float64 {
	if !s.fitted {
		return 1
	}
	return s.temperature
}

// Losses returns the negative log-likelihood before and after fitting.
func (s *TemperatureScaler) Losses() (initial, final float64) {
	return s.initialLoss, s.loss
}

func (s *TemperatureScaler) check() error {
	if s.steps <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s must be > 0, got %d", ParamSteps, s.steps)
	}
	if s.learningRate <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s must be > 0, got %g", ParamLearningRate, s.learningRate)
	}
	if s.initialTemperature <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s must be > 0, got %g", ParamInitialTemperature,
			s.initialTemperature)
	}
	return nil
}

// Fit finds the temperature that minimizes the negative log-likelihood of the labels given logits/T, and
// returns it.
//
// logits are shaped [examples, classes] and labels are integers shaped [examples] or [examples, 1]. All the
// examples are used in every step. The log of the temperature is optimized with Adam, so T stays positive.
func (s *TemperatureScaler) Fit(backend backends.Backend, logits, labels *tensors.Tensor) (float64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if logits.Rank() != 2 || !logits.DType().IsFloat() {
		return 0, errors.Wrapf(ErrInvalidArgument, "logits must be a float tensor shaped [examples, classes], got %s",
			logits.Shape())
	}
	numExamples := logits.Shape().Dimensions[0]
	if numExamples == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "no examples to fit the temperature")
	}
	if labels.Shape().Size() != numExamples || labels.Rank() > 2 || !labels.DType().IsInt() {
		return 0, errors.Wrapf(ErrInvalidArgument, "labels must be integers shaped [%d] or [%d, 1], got %s",
			numExamples, numExamples, labels.Shape())
	}

	ctx := context.New().Checked(false)
	logTemperature := ctx.In(Scope).VariableWithValue("log_temperature", float32(math.Log(s.initialTemperature)))
	optimizer := optimizers.Adam().LearningRate(s.learningRate).Done()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, logits, labels *Node) *Node {
		g := logits.Graph()
		logits = ConvertDType(logits, dtypes.Float32)
		labels = Reshape(labels, numExamples, 1)
		scaled := ScaleLogits(logits, Exp(logTemperature.ValueGraph(g)))
		loss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{scaled}))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	if err != nil {
		return 0, errors.WithMessage(err, "building temperature scaling")
	}
	defer exec.Finalize()

	for step := range s.steps {
		lossT, err := exec.Exec1(logits, labels)
		if err != nil {
			return 0, errors.WithMessagef(err, "temperature scaling step %d", step)
		}
		loss := float64(tensors.ToScalar[float32](lossT))
		if step == 0 {
			s.initialLoss = loss
		}
		s.loss = loss
	}
	value, err := logTemperature.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "reading fitted temperature")
	}
	s.temperature = math.Exp(float64(tensors.ToScalar[float32](value)))
	s.fitted = true
	klog.V(1).Infof("temperature scaling: T=%.4f, NLL %.4f -> %.4f", s.temperature, s.initialLoss, s.loss)
	return s.temperature, nil
}

// ScaleLogits divides the logits by the temperature, a scalar node.
func ScaleLogits(logits, temperature *Node) *Node {
	return Div(logits, ConvertDType(temperature, logits.DType()))
}
