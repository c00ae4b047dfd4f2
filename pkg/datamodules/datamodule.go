// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datamodules bundles each dataset with its splits and transforms, behind a common DataModule lifecycle:
// Prepare (download), then Setup for a Stage, then the Train, Val and Test datasets.
package datamodules

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidArgument is returned (wrapped) for invalid configurations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedStage is returned (wrapped) by Setup and ParseStage for unknown stages.
	ErrUnsupportedStage = errors.New("unsupported stage")

	// ErrNotSetup is returned (wrapped) when a split is requested before the Setup of its stage.
	ErrNotSetup = errors.New("data module not set up")
)

// Stage of the experiment a data module is set up for.
type Stage string

const (
	// StageAll sets up all splits.
	StageAll Stage = ""

	// StageFit sets up the train and validation splits.
	StageFit Stage = "fit"

	// StageTest sets up the test split.
	StageTest Stage = "test"
)

// ParseStage converts a name to a Stage. The empty string is StageAll.
func ParseStage(name string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(name)))
	if err := stage.check(); err != nil {
		return StageAll, err
	}
	return stage, nil
}

func (s Stage) check() error {
	switch s {
	case StageAll, StageFit, StageTest:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedStage, "stage %q is not supported", string(s))
}

func (s Stage) includesFit() bool  { return s == StageAll || s == StageFit }
func (s Stage) includesTest() bool { return s == StageAll || s == StageTest }

// String implements fmt.Stringer.
func (s Stage) String() string {
	if s == StageAll {
		return "all"
	}
	return string(s)
}

// DataModule holds the datasets of one experiment.
type DataModule interface {
	// Name of the data module, e.g. "cifar10".
	Name() string

	// Prepare downloads the data, if not yet available.
	Prepare() error

	// Setup loads the splits needed by the stage. It can be called more than once.
	Setup(stage Stage) error

	// Train returns the training dataset. It loops indefinitely, shuffled.
	Train() (train.Dataset, error)

	// Val returns the validation dataset, a single pass over the data.
	Val() (train.Dataset, error)

	// Test returns the test dataset, a single pass over the data.
	Test() (train.Dataset, error)
}

// Classification is a DataModule whose labels are class indices.
type Classification interface {
	DataModule

	// NumClasses of the labels.
	NumClasses() int
}

// Config holds the options shared by all data modules.
type Config struct {
	// Root directory of the datasets. "~" is expanded to the home directory.
	Root string

	// BatchSize of the training dataset.
	BatchSize int

	// EvalBatchSize of the validation and test datasets. If 0, BatchSize is used.
	EvalBatchSize int

	// ValSplit is the fraction of the training data held out for validation, in [0, 1).
	// If 0, the data module uses its own validation data.
	ValSplit float64

	// NumWorkers is the number of goroutines loading batches, for the data modules that decode files.
	// Values <= 1 load batches in the caller's goroutine.
	NumWorkers int

	// Seed of the random split and shuffling.
	Seed int64
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.Wrap(ErrInvalidArgument, "Config.Root must be set")
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "Config.BatchSize must be > 0, got %d", c.BatchSize)
	}
	if c.EvalBatchSize < 0 {
		return errors.Wrapf(ErrInvalidArgument, "Config.EvalBatchSize must be >= 0, got %d", c.EvalBatchSize)
	}
	if c.ValSplit < 0 || c.ValSplit >= 1 {
		return errors.Wrapf(ErrInvalidArgument, "Config.ValSplit must be in [0, 1), got %g", c.ValSplit)
	}
	return nil
}

func (c *Config) evalBatchSize() int {
	if c.EvalBatchSize > 0 {
		return c.EvalBatchSize
	}
	return c.BatchSize
}

// Size of an image, in pixels.
type Size struct {
	Height, Width int
}

// ParseSize converts one value (a square) or two values (height and width) to a Size.
func ParseSize(values ...int) (Size, error) {
	var size Size
	switch len(values) {
	case 1:
		size = Size{values[0], values[0]}
	case 2:
		size = Size{values[0], values[1]}
	default:
		return size, errors.Wrapf(ErrInvalidArgument, "size must have 1 or 2 values, got %v", values)
	}
	if size.Height <= 0 || size.Width <= 0 {
		return size, errors.Wrapf(ErrInvalidArgument, "size must be positive, got %v", values)
	}
	return size, nil
}

// String implements fmt.Stringer.
func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Height, s.Width) }
