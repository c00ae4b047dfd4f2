// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package experiment trains and evaluates the uncertainty baselines: it wires a data module, a model (optionally
// wrapped in Monte-Carlo dropout), the optimization procedure and the trainer, and reports accuracy, entropy,
// calibration error and mutual information on the test set.
//
// All the configuration is held in the context hyperparameters, see DefaultContext.
package experiment

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/uncertainty/pkg/calibration"
	"github.com/gomlx/uncertainty/pkg/metrics"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned (wrapped) for invalid hyperparameters.
var ErrInvalidArgument = errors.New("invalid argument")

// Hyperparameters of the experiment. The models hyperparameters are defined in the models package.
const (
	// ParamModel is the model family: ModelResNet, ModelWideResNet or ModelLeNet.
	ParamModel = "model"

	// ParamDataset is the data module: DatasetCIFAR10 or DatasetCIFAR100.
	ParamDataset = "dataset"

	// ParamVersion is the variant of the model: VersionStd or VersionMCDropout.
	ParamVersion = "version"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the evaluation batch size. 0 uses ParamBatchSize.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTrainSteps is the number of training steps. If 0, it is taken from the epochs of the procedure.
	ParamTrainSteps = "train_steps"

	// ParamUseProcedure sets the optimizer hyperparameters from the procedure of the model and dataset.
	// Hyperparameters set explicitly (e.g. with -set) are not overwritten.
	ParamUseProcedure = "use_procedure"

	// ParamValSplit is the fraction of the training data held out for validation.
	ParamValSplit = "val_split"

	// ParamSeed of the data splits and shuffling.
	ParamSeed = "seed"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointMinutes is the period between checkpoints while training.
	ParamCheckpointMinutes = "checkpoint_minutes"

	// ParamCalibrationBins is the number of bins of the calibration error.
	ParamCalibrationBins = "calibration_bins"

	// ParamCalibrationNorm is the norm of the calibration error: "l1" (ECE), "l2" or "max" (MCE).
	ParamCalibrationNorm = "calibration_norm"

	// ParamEvalShards splits the test predictions in that many shards whose entropies are computed in parallel
	// and merged. 0 disables the sharded evaluation.
	ParamEvalShards = "eval_shards"

	// ParamTemperatureScaling fits a temperature on the TemperatureScalingVal or TemperatureScalingTest split
	// after training, and also reports the metrics of the scaled logits. TemperatureScalingNone disables it.
	ParamTemperatureScaling = "temperature_scaling"

	// ParamResultsCSV is the path of a CSV file where a row with the evaluation report is appended.
	// Relative paths are taken from the data directory. Empty disables it.
	ParamResultsCSV = "results_csv"

	// ParamHistogramsDir is the directory where histograms of the per-sample entropy and confidence are saved
	// after the evaluation. Relative paths are taken from the data directory. Empty disables it.
	ParamHistogramsDir = "histograms_dir"

	// ParamHistogramBins is the number of bins of the histograms.
	ParamHistogramBins = "histogram_bins"
)

// Values of ParamModel, ParamDataset and ParamVersion.
const (
	ModelResNet     = "resnet"
	ModelWideResNet = "wideresnet"
	ModelLeNet      = "lenet"

	DatasetCIFAR10  = "cifar10"
	DatasetCIFAR100 = "cifar100"

	VersionStd       = "std"
	VersionMCDropout = "mc-dropout"
)

// DefaultMCEstimators is the number of estimators of VersionMCDropout if models.ParamMCEstimators is not set.
const DefaultMCEstimators = 16

// ParamsExcludedFromSaving are the hyperparameters not saved with the checkpoints, so they can be changed when
// training is resumed.
var ParamsExcludedFromSaving = []string{
	ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointMinutes, ParamEvalShards, ParamTemperatureScaling,
	ParamResultsCSV, ParamHistogramsDir, ParamHistogramBins,
}

// DefaultContext returns a context with the default hyperparameters: a ResNet-18 on CIFAR-10.
func DefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamModel:             ModelResNet,
		ParamDataset:           DatasetCIFAR10,
		ParamVersion:           VersionStd,
		ParamBatchSize:         128,
		ParamEvalBatchSize:     512,
		ParamTrainSteps:        0,
		ParamUseProcedure:      true,
		ParamValSplit:          0.0,
		ParamSeed:              42,
		ParamNumCheckpoints:    3,
		ParamCheckpointMinutes: 3,
		ParamCalibrationBins:   metrics.DefaultNumBins,
		ParamCalibrationNorm:   metrics.NormL1.String(),
		ParamEvalShards:        0,

		ParamTemperatureScaling:             TemperatureScalingNone,
		calibration.ParamSteps:              calibration.DefaultSteps,
		calibration.ParamLearningRate:       calibration.DefaultLearningRate,
		calibration.ParamInitialTemperature: calibration.DefaultInitialTemperature,
		ParamResultsCSV:                     "",
		ParamHistogramsDir:                  "",
		ParamHistogramBins:                  DefaultHistogramBins,

		models.ParamResNetArch:            18,
		models.ParamWideResNetDepth:       28,
		models.ParamWideResNetWidenFactor: 10,
		models.ParamStyle:                 models.StyleCIFAR,
		models.ParamNormalization:         models.NormBatch,
		models.ParamDropoutRate:           0.0,
		models.ParamMCEstimators:          0,
		models.ParamMCLastLayer:           false,

		optimizers.ParamOptimizer:           "sgd",
		optimizers.ParamLearningRate:        0.05,
		optimizers.ParamAdamWeightDecay:     0.0,
		regularizers.ParamL2:                0.0,
		cosineschedule.ParamCycles:          1,
		cosineschedule.ParamMinLearningRate: 0.0,
	})
	return ctx
}
