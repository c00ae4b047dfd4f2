// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datamodules

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/uncertainty/internal/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CIFARVariant selects CIFAR-10 or CIFAR-100.
type CIFARVariant int

const (
	CIFAR10 CIFARVariant = iota
	CIFAR100
)

// Dimensions of the CIFAR images, the same for both variants.
const (
	CIFARHeight   = 32
	CIFARWidth    = 32
	CIFARChannels = 3

	cifarImageBytes = CIFARHeight * CIFARWidth * CIFARChannels
)

type cifarSource struct {
	name              string
	url, tarName, dir string
	checksum          string
	trainFiles        []string
	testFiles         []string
	labelBytes        int // The fine label is the last one.
	numClasses        int
}

var cifarSources = [...]cifarSource{
	CIFAR10: {
		name:       "cifar10",
		url:        "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz",
		tarName:    "cifar-10-binary.tar.gz",
		dir:        "cifar-10-batches-bin",
		checksum:   "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd",
		trainFiles: []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"},
		testFiles:  []string{"test_batch.bin"},
		labelBytes: 1,
		numClasses: 10,
	},
	CIFAR100: {
		name:       "cifar100",
		url:        "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz",
		tarName:    "cifar-100-binary.tar.gz",
		dir:        "cifar-100-binary",
		checksum:   "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec",
		trainFiles: []string{"train.bin"},
		testFiles:  []string{"test.bin"},
		labelBytes: 2,
		numClasses: 100,
	},
}

// Per channel mean and standard deviation of the CIFAR training images, in [0, 1] scale.
var (
	cifarMean = [CIFARChannels]float32{0.4914, 0.4822, 0.4465}
	cifarStd  = [CIFARChannels]float32{0.2023, 0.1994, 0.2010}
)

// labeledImages holds images shaped [n, height, width, channels] and their labels, flattened.
type labeledImages struct {
	images []float32
	labels []int64
}

func (l *labeledImages) Len() int { return len(l.labels) }

func (l *labeledImages) append(other *labeledImages) {
	l.images = append(l.images, other.images...)
	l.labels = append(l.labels, other.labels...)
}

// subset returns a copy with only the given examples.
func (l *labeledImages) subset(indices []int) *labeledImages {
	s := &labeledImages{
		images: make([]float32, 0, len(indices)*cifarImageBytes),
		labels: make([]int64, 0, len(indices)),
	}
	for _, idx := range indices {
		s.images = append(s.images, l.images[idx*cifarImageBytes:(idx+1)*cifarImageBytes]...)
		s.labels = append(s.labels, l.labels[idx])
	}
	return s
}

// CIFAR is the data module of CIFAR-10 and CIFAR-100.
//
// The data is held in memory, normalized with the per channel mean and standard deviation. The test split is used
// for validation, unless Config.ValSplit is set, in which case the validation examples are held out of the training
// split.
type CIFAR struct {
	cfg     Config
	source  cifarSource
	backend backends.Backend
	rng     *rand.Rand

	train, val, test *labeledImages
}

var _ Classification = (*CIFAR)(nil)

// NewCIFAR creates the CIFAR data module. The backend is used to batch the examples.
func NewCIFAR(backend backends.Backend, variant CIFARVariant, cfg Config) (*CIFAR, error) {
	if variant != CIFAR10 && variant != CIFAR100 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewCIFAR: invalid variant %d", variant)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NewCIFAR")
	}
	root, err := fsutil.ReplaceTildeInDir(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	return &CIFAR{
		cfg:     cfg,
		source:  cifarSources[variant],
		backend: backend,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Name implements DataModule.
func (c *CIFAR) Name() string { return c.source.name }

// NumClasses implements Classification.
func (c *CIFAR) NumClasses() int { return c.source.numClasses }

// NumTrainExamples returns the number of training examples, or 0 before Setup.
func (c *CIFAR) NumTrainExamples() int {
	if c.train == nil {
		return 0
	}
	return c.train.Len()
}

// Prepare implements DataModule: it downloads and extracts the dataset under Config.Root.
func (c *CIFAR) Prepare() error {
	return downloader.DownloadAndUntarIfMissing(context.Background(), c.source.url, c.cfg.Root, c.source.tarName,
		c.source.dir, c.source.checksum)
}

// Setup implements DataModule.
func (c *CIFAR) Setup(stage Stage) error {
	if err := stage.check(); err != nil {
		return err
	}
	var test *labeledImages
	loadTest := func() (err error) {
		if test == nil {
			test, err = c.loadFiles(c.source.testFiles)
		}
		return err
	}
	if stage.includesFit() {
		full, err := c.loadFiles(c.source.trainFiles)
		if err != nil {
			return err
		}
		if c.cfg.ValSplit > 0 {
			trainIdx, valIdx, err := SplitTrainVal(full.Len(), c.cfg.ValSplit, c.rng)
			if err != nil {
				return err
			}
			c.train, c.val = full.subset(trainIdx), full.subset(valIdx)
		} else {
			if err := loadTest(); err != nil {
				return err
			}
			c.train, c.val = full, test
		}
	}
	if stage.includesTest() {
		if err := loadTest(); err != nil {
			return err
		}
		c.test = test
	}
	klog.V(1).Infof("%s: setup stage %s", c.Name(), stage)
	return nil
}

func (c *CIFAR) loadFiles(fileNames []string) (*labeledImages, error) {
	all := &labeledImages{}
	for _, fileName := range fileNames {
		filePath := filepath.Join(c.cfg.Root, c.source.dir, fileName)
		f, err := os.Open(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "opening CIFAR file %q", filePath)
		}
		data, err := parseCIFAR(bufio.NewReader(f), c.source.labelBytes, c.source.numClasses)
		_ = f.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "while parsing %q", filePath)
		}
		all.append(data)
	}
	return all, nil
}

// parseCIFAR reads the binary CIFAR records until EOF: each record is labelBytes labels followed by the image,
// channels first. The images are converted to channels last and normalized.
func parseCIFAR(r io.Reader, labelBytes, numClasses int) (*labeledImages, error) {
	data := &labeledImages{}
	record := make([]byte, labelBytes+cifarImageBytes)
	for recordIdx := 0; ; recordIdx++ {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading record %d", recordIdx)
		}
		label := int64(record[labelBytes-1])
		if label >= int64(numClasses) {
			return nil, errors.Errorf("record %d has label %d, but there are only %d classes", recordIdx, label, numClasses)
		}
		data.labels = append(data.labels, label)
		pixels := record[labelBytes:]
		for h := range CIFARHeight {
			for w := range CIFARWidth {
				for ch := range CIFARChannels {
					v := float32(pixels[ch*CIFARHeight*CIFARWidth+h*CIFARWidth+w]) / 255
					data.images = append(data.images, (v-cifarMean[ch])/cifarStd[ch])
				}
			}
		}
	}
}

func (c *CIFAR) dataset(split string, data *labeledImages) (*datasets.InMemoryDataset, error) {
	if data == nil {
		return nil, errors.Wrapf(ErrNotSetup, "%s: %s split not loaded, call Setup first", c.Name(), split)
	}
	n := data.Len()
	images := tensors.FromFlatDataAndDimensions(data.images, n, CIFARHeight, CIFARWidth, CIFARChannels)
	labels := tensors.FromFlatDataAndDimensions(data.labels, n, 1)
	ds, err := datasets.InMemoryFromData(c.backend, fmt.Sprintf("%s-%s", c.Name(), split), []any{images}, []any{labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s %s dataset", c.Name(), split)
	}
	return ds, nil
}

// Train implements DataModule.
func (c *CIFAR) Train() (train.Dataset, error) {
	ds, err := c.dataset("train", c.train)
	if err != nil {
		return nil, err
	}
	return ds.WithRand(rand.New(rand.NewSource(c.rng.Int63()))).Shuffle().Infinite(true).
		BatchSize(c.cfg.BatchSize, true), nil
}

// Val implements DataModule.
func (c *CIFAR) Val() (train.Dataset, error) {
	ds, err := c.dataset("val", c.val)
	if err != nil {
		return nil, err
	}
	return ds.BatchSize(c.cfg.evalBatchSize(), false), nil
}

// Test implements DataModule.
func (c *CIFAR) Test() (train.Dataset, error) {
	ds, err := c.dataset("test", c.test)
	if err != nil {
		return nil, err
	}
	return ds.BatchSize(c.cfg.evalBatchSize(), false), nil
}
