// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/uncertainty/pkg/datamodules"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/pkg/errors"
)

// DataConfig returns the data module configuration from the context hyperparameters.
func DataConfig(ctx *context.Context, dataDir string) datamodules.Config {
	return datamodules.Config{
		Root:          dataDir,
		BatchSize:     context.GetParamOr(ctx, ParamBatchSize, 128),
		EvalBatchSize: context.GetParamOr(ctx, ParamEvalBatchSize, 0),
		ValSplit:      context.GetParamOr(ctx, ParamValSplit, 0.0),
		Seed:          int64(context.GetParamOr(ctx, ParamSeed, 42)),
	}
}

// NewDataModule creates the data module selected by ParamDataset, with the data stored under dataDir.
// It is not prepared nor set up.
func NewDataModule(backend backends.Backend, ctx *context.Context, dataDir string) (datamodules.Classification, error) {
	cfg := DataConfig(ctx, dataDir)
	switch name := context.GetParamOr(ctx, ParamDataset, DatasetCIFAR10); name {
	case DatasetCIFAR10:
		return datamodules.NewCIFAR(backend, datamodules.CIFAR10, cfg)
	case DatasetCIFAR100:
		return datamodules.NewCIFAR(backend, datamodules.CIFAR100, cfg)
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown %s=%q, valid values are %q", ParamDataset, name,
			[]string{DatasetCIFAR10, DatasetCIFAR100})
	}
}

// NewModel creates the model selected by ParamModel and ParamVersion for numClasses classes.
//
// VersionMCDropout wraps the model in models.MCDropout, with models.ParamMCEstimators estimators (or
// DefaultMCEstimators if not set). The model must then be configured with dropout.
func NewModel(ctx *context.Context, numClasses int) (models.Model, error) {
	base, err := newBaseModel(ctx, numClasses)
	if err != nil {
		return nil, err
	}
	switch version := context.GetParamOr(ctx, ParamVersion, VersionStd); version {
	case VersionStd:
		return models.MCDropoutFromContext(ctx, base)
	case VersionMCDropout:
		numEstimators := context.GetParamOr(ctx, models.ParamMCEstimators, 0)
		if numEstimators <= 0 {
			numEstimators = DefaultMCEstimators
		}
		return models.NewMCDropout(base, numEstimators, context.GetParamOr(ctx, models.ParamMCLastLayer, false))
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown %s=%q, valid values are %q", ParamVersion, version,
			versions)
	}
}

func newBaseModel(ctx *context.Context, numClasses int) (models.Model, error) {
	switch name := context.GetParamOr(ctx, ParamModel, ModelResNet); name {
	case ModelResNet:
		return models.ResNetFromContext(ctx, numClasses)
	case ModelWideResNet:
		return models.WideResNetFromContext(ctx, numClasses)
	case ModelLeNet:
		return models.LeNetFromContext(ctx, numClasses)
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown %s=%q, valid values are %q", ParamModel, name,
			[]string{ModelResNet, ModelWideResNet, ModelLeNet})
	}
}

// baseModel returns the model wrapped by MCDropout, or the model itself.
func baseModel(m models.Model) models.Model {
	if mc, ok := m.(*models.MCDropout); ok {
		return mc.Model()
	}
	return m
}
