// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	trainmetrics "github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/uncertainty/pkg/datamodules"
	"github.com/gomlx/uncertainty/pkg/metrics"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of Run that are not hyperparameters.
type Options struct {
	// DataDir holds the datasets, and is the base directory of relative checkpoint paths.
	DataDir string

	// CheckpointPath, if set, is where the model is saved and resumed from.
	CheckpointPath string

	// Evaluate the model on the test split at the end.
	Evaluate bool

	// Verbosity: < 0 disables the progress bar, >= 1 prints more information.
	Verbosity int

	// ParamsSet are the hyperparameters set explicitly by the user, which are not overwritten by the
	// optimization procedure nor by the values saved in a checkpoint.
	ParamsSet []string

	// Backend to use. If nil, the default backend is created.
	Backend backends.Backend

	// DataModule to use. If nil, it is created from the ParamDataset hyperparameter and prepared.
	DataModule datamodules.Classification

	// Out is where the reports are printed. Defaults to os.Stdout.
	Out io.Writer
}

// sizedDataModule is implemented by data modules that know the size of their training split.
type sizedDataModule interface {
	NumTrainExamples() int
}

// Run trains the model configured in ctx, and evaluates it on the test split if Options.Evaluate is set,
// in which case the report is returned.
func Run(ctx *context.Context, opts Options) (*Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	dataDir, err := fsutil.ReplaceTildeInDir(opts.DataDir)
	if err != nil {
		return nil, err
	}
	backend := opts.Backend
	if backend == nil {
		backend, err = backends.New()
		if err != nil {
			return nil, errors.WithMessage(err, "creating backend")
		}
	}
	if opts.Verbosity >= 1 {
		_, _ = fmt.Fprintf(out, "Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if err = ctx.SetRNGStateFromSeed(int64(context.GetParamOr(ctx, ParamSeed, 42))); err != nil {
		return nil, errors.WithMessage(err, "seeding random number generator")
	}

	// Checkpoints are loaded first, so the hyperparameters saved with the model are used.
	var checkpoint *checkpoints.Handler
	if opts.CheckpointPath != "" {
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(opts.CheckpointPath, dataDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(slices.Concat(opts.ParamsSet, ParamsExcludedFromSaving)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", opts.CheckpointPath)
		}
		_, _ = fmt.Fprintf(out, "Checkpointing model to %q\n", checkpoint.Dir())
	}

	dm := opts.DataModule
	if dm == nil {
		dm, err = NewDataModule(backend, ctx, dataDir)
		if err != nil {
			return nil, err
		}
		if err = dm.Prepare(); err != nil {
			return nil, errors.WithMessagef(err, "preparing %s", dm.Name())
		}
	}
	if err = dm.Setup(datamodules.StageAll); err != nil {
		return nil, errors.WithMessagef(err, "setting up %s", dm.Name())
	}
	trainDS, err := dm.Train()
	if err != nil {
		return nil, err
	}
	valDS, err := dm.Val()
	if err != nil {
		return nil, err
	}

	model, err := NewModel(ctx, dm.NumClasses())
	if err != nil {
		return nil, err
	}
	if context.GetParamOr(ctx, ParamUseProcedure, true) {
		version := context.GetParamOr(ctx, ParamVersion, VersionStd)
		procedure, err := Procedure(baseModel(model).Name(), dm.Name(), version)
		if err != nil {
			return nil, err
		}
		var stepsPerEpoch int
		if sized, ok := dm.(sizedDataModule); ok {
			stepsPerEpoch = sized.NumTrainExamples() / context.GetParamOr(ctx, ParamBatchSize, 128)
		}
		procedure.Apply(ctx, stepsPerEpoch, opts.ParamsSet)
	}
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	if numTrainSteps <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s must be > 0, got %d", ParamTrainSteps, numTrainSteps)
	}
	calibrationSplit, err := temperatureScalingSplit(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Verbosity >= 2 {
		_, _ = fmt.Fprintln(out, commandline.SprintContextSettings(ctx))
	}

	entropyMetric, err := trainEntropyMetric(model)
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(backend, ctx, trainModelFn(model),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]trainmetrics.Interface{
			trainmetrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01),
		},
		[]trainmetrics.Interface{
			trainmetrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc"),
			entropyMetric,
		})

	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		period := time.Minute * time.Duration(context.GetParamOr(ctx, ParamCheckpointMinutes, 3))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(_ *train.Loop, _ []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			return nil, errors.WithMessagef(err, "training %s", model.Name())
		}
		if opts.Verbosity >= 1 {
			_, _ = fmt.Fprintf(out, "\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		updated, err := batchnorm.UpdateAverages(trainer, valDS)
		if err != nil {
			return nil, err
		}
		if updated && checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return nil, err
			}
		}
	} else {
		klog.Warningf("%s=%d already reached (global step %d): set a larger value to train further",
			ParamTrainSteps, numTrainSteps, globalStep)
	}
	if opts.Verbosity >= 1 {
		if err = commandline.ReportEval(trainer, valDS); err != nil {
			return nil, err
		}
	}

	if !opts.Evaluate {
		return nil, nil
	}
	testDS, err := dm.Test()
	if err != nil {
		return nil, err
	}
	evalOpts, err := EvalOptionsFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if calibrationSplit != "" {
		calibrationDS := testDS
		if calibrationSplit == TemperatureScalingVal {
			calibrationDS = valDS
		}
		evalOpts.Temperature, err = FitTemperature(backend, ctx, model, calibrationDS)
		if err != nil {
			return nil, err
		}
	}
	report, err := Evaluate(backend, ctx, model, testDS, evalOpts)
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintln(out, report)
	if err = saveReport(ctx, report, dataDir, out); err != nil {
		return nil, err
	}
	return report, nil
}

// saveReport appends the report to the results CSV and saves the histograms, if configured.
func saveReport(ctx *context.Context, report *Report, dataDir string, out io.Writer) error {
	if csvPath := context.GetParamOr(ctx, ParamResultsCSV, ""); csvPath != "" {
		csvPath = pathFromDataDir(dataDir, csvPath)
		if err := report.AppendCSV(csvPath); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Results appended to %q\n", csvPath)
	}
	if dir := context.GetParamOr(ctx, ParamHistogramsDir, ""); dir != "" {
		numBins := context.GetParamOr(ctx, ParamHistogramBins, DefaultHistogramBins)
		paths, err := report.SaveHistograms(pathFromDataDir(dataDir, dir), numBins)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Histograms saved to %q\n", paths)
	}
	return nil
}

// pathFromDataDir returns path with the tilde expanded, and relative to dataDir if not absolute.
func pathFromDataDir(dataDir, path string) string {
	if expanded, err := fsutil.ReplaceTildeInDir(path); err == nil {
		path = expanded
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

// Names of the entropy metric reported by the trainer.
const (
	TrainEntropyName           = "Mean Entropy"
	TrainPredictiveEntropyName = "Mean Predictive Entropy"
)

// trainEntropyMetric returns the entropy metric attached to the trainer.
//
// The trainer evaluates models.ModelFn, which for MCDropout returns the logits of the averaged probabilities.
// So for ensembles it measures the entropy of the mean prediction, named TrainPredictiveEntropyName, which
// includes the mutual information and differs from the mean entropy of the estimators reported by Evaluate.
func trainEntropyMetric(model models.Model) (*metrics.EntropyMetric, error) {
	if _, isEnsemble := model.(*models.MCDropout); isEnsemble {
		return metrics.NewEntropyMetric(TrainPredictiveEntropyName, "H(mean)", metrics.ReductionMean)
	}
	return metrics.NewEntropyMetric(TrainEntropyName, "H", metrics.ReductionMean)
}

// trainModelFn adds the cosine learning rate schedule, if configured, to the model function.
func trainModelFn(model models.Model) train.ModelFn {
	modelFn := models.ModelFn(model)
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		cosineschedule.New(ctx, inputs[0].Graph(), dtypes.Float32).FromContext().Done()
		return modelFn(ctx, spec, inputs)
	}
}
