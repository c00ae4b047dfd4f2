// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/uncertainty/pkg/calibration"
	"github.com/gomlx/uncertainty/pkg/datamodules"
	"github.com/gomlx/uncertainty/pkg/metrics"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestProcedure(t *testing.T) {
	p, err := Procedure("resnet18", DatasetCIFAR10, VersionStd)
	require.NoError(t, err)
	assert.Equal(t, "sgd", p.Optimizer)
	assert.Equal(t, 0.05, p.LearningRate)
	assert.Equal(t, 75, p.Epochs)

	mc, err := Procedure("resnet18", DatasetCIFAR10, VersionMCDropout)
	require.NoError(t, err)
	assert.Equal(t, p, mc)

	_, err = Procedure("resnet18", DatasetCIFAR10, "ensemble")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Procedure("resnet19", DatasetCIFAR10, VersionStd)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Procedure("resnet18", "mnist", VersionStd)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProcedureApply(t *testing.T) {
	p, err := Procedure("wideresnet28x10", DatasetCIFAR100, VersionStd)
	require.NoError(t, err)
	ctx := DefaultContext()
	ctx.SetParam(optimizers.ParamLearningRate, 0.123)
	ctx.SetParam(cosineschedule.ParamCycles, 3)
	p.Apply(ctx, 10, []string{optimizers.ParamLearningRate})

	assert.Equal(t, 0.123, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "sgd", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.InDelta(t, 2.5e-4, context.GetParamOr(ctx, regularizers.ParamL2, 0.0), 1e-12)
	assert.Equal(t, 2000, context.GetParamOr(ctx, ParamTrainSteps, 0))

	// One cosine cycle over the whole training; a negative period is rejected by the schedule.
	assert.Equal(t, 1, context.GetParamOr(ctx, cosineschedule.ParamCycles, 0))
	assert.GreaterOrEqual(t, context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0), 0)

	// An explicit number of train steps is kept.
	ctx.SetParam(ParamTrainSteps, 7)
	p.Apply(ctx, 10, nil)
	assert.Equal(t, 7, context.GetParamOr(ctx, ParamTrainSteps, 0))
	assert.Equal(t, 0.1, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))

	lenet, err := Procedure("lenet", DatasetCIFAR10, VersionStd)
	require.NoError(t, err)
	lenet.Apply(ctx, 10, nil)
	assert.Equal(t, "adamw", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 0.0))
}

func TestNewModel(t *testing.T) {
	ctx := DefaultContext()
	model, err := NewModel(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "resnet18", model.Name())

	ctx.SetParams(map[string]any{
		ParamModel:              ModelLeNet,
		ParamVersion:            VersionMCDropout,
		models.ParamDropoutRate: 0.5,
	})
	model, err = NewModel(ctx, 10)
	require.NoError(t, err)
	mc, ok := model.(*models.MCDropout)
	require.True(t, ok)
	assert.Equal(t, DefaultMCEstimators, mc.NumEstimators())
	assert.Equal(t, "lenet", baseModel(model).Name())

	ctx.SetParam(models.ParamMCEstimators, 4)
	model, err = NewModel(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, model.(*models.MCDropout).NumEstimators())

	ctx.SetParam(models.ParamDropoutRate, 0.0)
	_, err = NewModel(ctx, 10)
	require.ErrorIs(t, err, models.ErrInvalidArgument)

	ctx.SetParam(ParamVersion, "ensemble")
	_, err = NewModel(ctx, 10)
	require.ErrorIs(t, err, ErrInvalidArgument)

	ctx.SetParams(map[string]any{ParamVersion: VersionStd, ParamModel: "vit"})
	_, err = NewModel(ctx, 10)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewDataModule(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := DefaultContext()
	ctx.SetParam(ParamDataset, DatasetCIFAR100)
	dm, err := NewDataModule(backend, ctx, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "cifar100", dm.Name())
	assert.Equal(t, 100, dm.NumClasses())

	ctx.SetParam(ParamDataset, "svhn")
	_, err = NewDataModule(backend, ctx, t.TempDir())
	require.ErrorIs(t, err, ErrInvalidArgument)
}

const (
	testImageSize  = 20
	testNumClasses = 3
)

// randomImages returns numExamples random grayscale images and labels.
func randomImages(rng *rand.Rand, numExamples int) (images, labels *tensors.Tensor) {
	flat := make([]float32, numExamples*testImageSize*testImageSize)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	labelsFlat := make([]int64, numExamples)
	for ii := range labelsFlat {
		labelsFlat[ii] = int64(rng.Intn(testNumClasses))
	}
	return tensors.FromFlatDataAndDimensions(flat, numExamples, testImageSize, testImageSize, 1),
		tensors.FromFlatDataAndDimensions(labelsFlat, numExamples, 1)
}

func randomDataset(t *testing.T, backend backends.Backend, name string, numExamples int) *datasets.InMemoryDataset {
	images, labels := randomImages(rand.New(rand.NewSource(int64(numExamples))), numExamples)
	ds, err := datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
	require.NoError(t, err)
	return ds
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lenet, err := models.NewLeNet(testNumClasses, models.NormNone)
	require.NoError(t, err)
	lenet, err = lenet.WithDropout(0.5)
	require.NoError(t, err)
	opts := EvalOptions{CalibrationBins: 10, CalibrationNorm: metrics.NormL1, Shards: 2}

	t.Run("std", func(t *testing.T) {
		ds := randomDataset(t, backend, "eval-std", 6).BatchSize(4, false)
		ctx := context.New()
		report, err := Evaluate(backend, ctx, lenet, ds, opts)
		require.NoError(t, err)
		assert.Equal(t, 6, report.NumExamples)
		assert.Equal(t, "eval-std", report.Dataset)
		assert.Equal(t, []string{metrics.AccuracyName, metrics.EntropyName, metrics.CalibrationErrorName,
			ShardedEntropyName}, report.Names)
		accuracy := report.Value(metrics.AccuracyName)
		assert.True(t, accuracy >= 0 && accuracy <= 1, "accuracy=%g", accuracy)
		entropy := report.Value(metrics.EntropyName)
		assert.True(t, entropy >= 0 && entropy <= math.Log(testNumClasses)+1e-6, "entropy=%g", entropy)
		assert.InDelta(t, 6*entropy, report.Value(ShardedEntropyName), 1e-4)
		assert.True(t, math.IsNaN(report.Value(metrics.MutualInformationName)))
		assert.Contains(t, report.String(), metrics.CalibrationErrorName)

		// The dataset is reset, so evaluating again gives the same results.
		again, err := Evaluate(backend, ctx, lenet, ds, opts)
		require.NoError(t, err)
		assert.InDelta(t, entropy, again.Value(metrics.EntropyName), 1e-6)
	})

	t.Run("mc-dropout", func(t *testing.T) {
		mc, err := models.NewMCDropout(lenet, 4, false)
		require.NoError(t, err)
		ds := randomDataset(t, backend, "eval-mc", 5).BatchSize(2, false)
		ctx := context.New()
		require.NoError(t, ctx.SetRNGStateFromSeed(42))
		report, err := Evaluate(backend, ctx, mc, ds, opts)
		require.NoError(t, err)
		assert.Equal(t, 5, report.NumExamples)
		assert.Contains(t, report.Names, metrics.MutualInformationName)
		assert.GreaterOrEqual(t, report.Value(metrics.MutualInformationName), -1e-6)
		assert.InDelta(t, 5*report.Value(metrics.EntropyName), report.Value(ShardedEntropyName), 1e-4)
	})

	t.Run("empty", func(t *testing.T) {
		ds := &emptyDataset{}
		_, err := Evaluate(backend, context.New(), lenet, ds, EvalOptions{})
		require.Error(t, err)
	})
}

type emptyDataset struct{}

func (emptyDataset) Name() string { return "empty" }
func (emptyDataset) Reset()       {}
func (emptyDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil, io.EOF
}

// fakeDataModule serves random images in memory.
type fakeDataModule struct {
	backend           backends.Backend
	name              string
	numTrain, numTest int
	batchSize         int
	setupAt           int
	trainDS, evalDS   *datasets.InMemoryDataset
}

var _ datamodules.Classification = (*fakeDataModule)(nil)

func (f *fakeDataModule) Name() string    { return f.name }
func (f *fakeDataModule) NumClasses() int { return testNumClasses }
func (f *fakeDataModule) Prepare() error  { return nil }

func (f *fakeDataModule) Setup(datamodules.Stage) error {
	f.setupAt++
	var err error
	images, labels := randomImages(rand.New(rand.NewSource(1)), f.numTrain)
	f.trainDS, err = datasets.InMemoryFromData(f.backend, "fake-train", []any{images}, []any{labels})
	if err != nil {
		return err
	}
	images, labels = randomImages(rand.New(rand.NewSource(2)), f.numTest)
	f.evalDS, err = datasets.InMemoryFromData(f.backend, "fake-eval", []any{images}, []any{labels})
	return err
}

func (f *fakeDataModule) Train() (train.Dataset, error) {
	return f.trainDS.Copy().Infinite(true).BatchSize(f.batchSize, true), nil
}

func (f *fakeDataModule) Val() (train.Dataset, error) {
	return f.evalDS.Copy().BatchSize(f.batchSize, false), nil
}

func (f *fakeDataModule) Test() (train.Dataset, error) {
	return f.evalDS.Copy().BatchSize(f.batchSize, false), nil
}

func TestRun(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("train and evaluate", func(t *testing.T) {
		ctx := DefaultContext()
		ctx.SetParams(map[string]any{
			ParamModel:                   ModelLeNet,
			ParamUseProcedure:            false,
			ParamTrainSteps:              3,
			optimizers.ParamOptimizer:    "adam",
			optimizers.ParamLearningRate: 1e-3,
		})
		dm := &fakeDataModule{backend: backend, name: "fake", numTrain: 8, numTest: 5, batchSize: 4}
		report, err := Run(ctx, Options{
			DataDir:    t.TempDir(),
			Evaluate:   true,
			Verbosity:  -1,
			Backend:    backend,
			DataModule: dm,
			Out:        io.Discard,
		})
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.Equal(t, 1, dm.setupAt)
		assert.Equal(t, "lenet", report.Model)
		assert.Equal(t, 5, report.NumExamples)
		assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))
		assert.NotContains(t, report.Names, TemperatureName)
	})

	t.Run("temperature scaling and results", func(t *testing.T) {
		ctx := DefaultContext()
		ctx.SetParams(map[string]any{
			ParamModel:                   ModelLeNet,
			ParamUseProcedure:            false,
			ParamTrainSteps:              2,
			optimizers.ParamOptimizer:    "adam",
			optimizers.ParamLearningRate: 1e-3,
			ParamTemperatureScaling:      TemperatureScalingVal,
			calibration.ParamSteps:       5,
			ParamResultsCSV:              "results.csv",
			ParamHistogramsDir:           "hist",
			ParamHistogramBins:           5,
		})
		dataDir := t.TempDir()
		dm := &fakeDataModule{backend: backend, name: "fake", numTrain: 8, numTest: 6, batchSize: 3}
		report, err := Run(ctx, Options{
			DataDir:    dataDir,
			Evaluate:   true,
			Verbosity:  -1,
			Backend:    backend,
			DataModule: dm,
			Out:        io.Discard,
		})
		require.NoError(t, err)
		assert.Contains(t, report.Names, TemperatureName)
		assert.Greater(t, report.Value(TemperatureName), 0.0)
		assert.InDelta(t, report.Value(metrics.AccuracyName), report.Value(CalibratedPrefix+metrics.AccuracyName),
			1e-6)
		assert.Len(t, report.Entropies, 6)

		for _, path := range []string{
			filepath.Join(dataDir, "results.csv"),
			filepath.Join(dataDir, "hist", EntropyHistogramFile),
			filepath.Join(dataDir, "hist", ConfidenceHistogramFile),
		} {
			_, err := os.Stat(path)
			require.NoError(t, err, "missing %s", path)
		}
	})

	t.Run("invalid temperature scaling", func(t *testing.T) {
		ctx := DefaultContext()
		ctx.SetParams(map[string]any{
			ParamModel:              ModelLeNet,
			ParamUseProcedure:       false,
			ParamTrainSteps:         1,
			ParamTemperatureScaling: "train",
		})
		dm := &fakeDataModule{backend: backend, name: "fake", numTrain: 4, numTest: 4, batchSize: 2}
		_, err := Run(ctx, Options{DataDir: t.TempDir(), Evaluate: true, Verbosity: -1, Backend: backend,
			DataModule: dm, Out: io.Discard})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("no train steps", func(t *testing.T) {
		ctx := DefaultContext()
		ctx.SetParam(ParamModel, ModelLeNet)
		// The procedure for lenet on cifar10 is found, but the data module doesn't report its size.
		dm := &fakeDataModule{backend: backend, name: DatasetCIFAR10, numTrain: 4, numTest: 4, batchSize: 2}
		_, err := Run(ctx, Options{DataDir: t.TempDir(), Verbosity: -1, Backend: backend, DataModule: dm,
			Out: io.Discard})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("unknown procedure", func(t *testing.T) {
		ctx := DefaultContext()
		ctx.SetParam(ParamModel, ModelLeNet)
		dm := &fakeDataModule{backend: backend, name: "fake", numTrain: 4, numTest: 4, batchSize: 2}
		_, err := Run(ctx, Options{DataDir: t.TempDir(), Verbosity: -1, Backend: backend, DataModule: dm,
			Out: io.Discard})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}
