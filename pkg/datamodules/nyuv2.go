// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datamodules

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NYUv2Dir is the sub-directory of Config.Root with the NYUv2 data, laid out as
// {train,val}/{rgb,depth}/<name>.png. Depth images are 16 bits, in millimeters.
const NYUv2Dir = "nyuv2"

// nyuDepthScale converts the stored depth values to meters.
const nyuDepthScale = 1000

// NYUv2Options configures the NYUv2 data module.
type NYUv2Options struct {
	// MaxDepth in meters: depths beyond it are set to NaN.
	MaxDepth float64

	// CropSize of the training samples.
	CropSize Size

	// InferenceSize the validation and test samples are resized to.
	InferenceSize Size
}

// DefaultNYUv2Options returns the usual NYUv2 configuration.
func DefaultNYUv2Options() NYUv2Options {
	return NYUv2Options{
		MaxDepth:      10,
		CropSize:      Size{Height: 416, Width: 544},
		InferenceSize: Size{Height: 416, Width: 544},
	}
}

// NYUv2 is the depth estimation data module of the NYU Depth v2 dataset.
//
// Its datasets yield images shaped [batch, height, width, 3] and depths shaped [batch, height, width, 1].
// Training samples are randomly rescaled, cropped (padding if needed) and flipped; evaluation samples are resized.
type NYUv2 struct {
	cfg            Config
	opts           NYUv2Options
	rng            *rand.Rand
	trainTransform DepthTransform
	testTransform  DepthTransform

	train, val, test *depthFiles
}

var _ DataModule = (*NYUv2)(nil)

// NewNYUv2 creates the NYUv2 data module.
func NewNYUv2(cfg Config, opts NYUv2Options) (*NYUv2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NewNYUv2")
	}
	if opts.MaxDepth <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewNYUv2: MaxDepth must be > 0, got %g", opts.MaxDepth)
	}
	if _, err := ParseSize(opts.CropSize.Height, opts.CropSize.Width); err != nil {
		return nil, errors.WithMessage(err, "NewNYUv2: CropSize")
	}
	if _, err := ParseSize(opts.InferenceSize.Height, opts.InferenceSize.Width); err != nil {
		return nil, errors.WithMessage(err, "NewNYUv2: InferenceSize")
	}
	root, err := fsutil.ReplaceTildeInDir(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	return &NYUv2{
		cfg:  cfg,
		opts: opts,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		trainTransform: ComposeDepth(
			RandomRescale(0.5, 2.0),
			RandomCrop(opts.CropSize),
			RandomHorizontalFlip(),
		),
		testTransform: ResizeDepth(opts.InferenceSize),
	}, nil
}

// Name implements DataModule.
func (n *NYUv2) Name() string { return "nyuv2" }

// Options returns the NYUv2 options.
func (n *NYUv2) Options() NYUv2Options { return n.opts }

// Prepare implements DataModule. The NYUv2 data is not downloaded, it must be laid out under
// Config.Root/NYUv2Dir.
func (n *NYUv2) Prepare() error {
	for _, split := range []string{"train", "val"} {
		for _, kind := range []string{"rgb", "depth"} {
			dir := filepath.Join(n.cfg.Root, NYUv2Dir, split, kind)
			exists, err := fsutil.FileExists(dir)
			if err != nil {
				return err
			}
			if !exists {
				return errors.Wrapf(os.ErrNotExist, "NYUv2 directory %q", dir)
			}
		}
	}
	return nil
}

// Setup implements DataModule. For StageFit the validation data is either held out of the training data
// (Config.ValSplit > 0) or the "val" split. For StageTest the "val" split is used as test data.
func (n *NYUv2) Setup(stage Stage) error {
	if err := stage.check(); err != nil {
		return err
	}
	if stage.includesFit() {
		full, err := n.listPairs("train")
		if err != nil {
			return err
		}
		if n.cfg.ValSplit > 0 {
			trainIdx, valIdx, err := SplitTrainVal(len(full), n.cfg.ValSplit, n.rng)
			if err != nil {
				return err
			}
			n.train = &depthFiles{pairs: subsetPairs(full, trainIdx), transform: n.trainTransform}
			n.val = &depthFiles{pairs: subsetPairs(full, valIdx), transform: n.testTransform}
		} else {
			val, err := n.listPairs("val")
			if err != nil {
				return err
			}
			n.train = &depthFiles{pairs: full, transform: n.trainTransform}
			n.val = &depthFiles{pairs: val, transform: n.testTransform}
		}
	}
	if stage.includesTest() {
		test, err := n.listPairs("val")
		if err != nil {
			return err
		}
		n.test = &depthFiles{pairs: test, transform: n.testTransform}
	}
	klog.V(1).Infof("%s: setup stage %s", n.Name(), stage)
	return nil
}

// depthPair is the path of an RGB image and its depth.
type depthPair struct {
	rgb, depth string
}

func subsetPairs(pairs []depthPair, indices []int) []depthPair {
	subset := make([]depthPair, 0, len(indices))
	for _, idx := range indices {
		subset = append(subset, pairs[idx])
	}
	return subset
}

// depthFiles is one split: its files and transform.
type depthFiles struct {
	pairs     []depthPair
	transform DepthTransform
}

func (n *NYUv2) listPairs(split string) ([]depthPair, error) {
	rgbDir := filepath.Join(n.cfg.Root, NYUv2Dir, split, "rgb")
	depthDir := filepath.Join(n.cfg.Root, NYUv2Dir, split, "depth")
	entries, err := os.ReadDir(rgbDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing NYUv2 %s images", split)
	}
	var pairs []depthPair
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".png") {
			continue
		}
		pair := depthPair{rgb: filepath.Join(rgbDir, entry.Name()), depth: filepath.Join(depthDir, entry.Name())}
		if exists, err := fsutil.FileExists(pair.depth); err != nil {
			return nil, err
		} else if !exists {
			return nil, errors.Wrapf(os.ErrNotExist, "NYUv2 depth for %q", pair.rgb)
		}
		pairs = append(pairs, pair)
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no NYUv2 images found in %q", rgbDir)
	}
	slices.SortFunc(pairs, func(a, b depthPair) int { return strings.Compare(a.rgb, b.rgb) })
	return pairs, nil
}

// loadSample reads the image and its depth, converted to meters, with depths beyond maxDepth set to NaN.
func loadSample(pair depthPair, maxDepth float64) (*DepthSample, error) {
	img, err := imaging.Open(pair.rgb)
	if err != nil {
		return nil, errors.Wrapf(err, "loading image %q", pair.rgb)
	}
	depthImg, err := imaging.Open(pair.depth)
	if err != nil {
		return nil, errors.Wrapf(err, "loading depth %q", pair.depth)
	}
	rgb := imaging.Clone(img)
	b := depthImg.Bounds()
	if b.Dx() != rgb.Bounds().Dx() || b.Dy() != rgb.Bounds().Dy() {
		return nil, errors.Errorf("image %q is %v, but its depth is %v", pair.rgb, rgb.Bounds().Size(), b.Size())
	}
	depth := &DepthMap{Width: b.Dx(), Height: b.Dy(), Values: make([]float32, 0, b.Dx()*b.Dy())}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint16
			if gray16, ok := depthImg.(*image.Gray16); ok {
				v = gray16.Gray16At(x, y).Y
			} else {
				v = color.Gray16Model.Convert(depthImg.At(x, y)).(color.Gray16).Y
			}
			meters := float64(v) / nyuDepthScale
			if meters > maxDepth {
				meters = math.NaN()
			}
			depth.Values = append(depth.Values, float32(meters))
		}
	}
	return &DepthSample{Image: rgb, Depth: depth}, nil
}

// depthDataset implements train.Dataset over a split, loading and transforming the files of each batch.
// It is safe for concurrent use, so it can be parallelized with datasets.CustomParallel.
type depthDataset struct {
	name      string
	files     *depthFiles
	maxDepth  float64
	batchSize int
	infinite  bool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*depthDataset)(nil)

func newDepthDataset(name string, files *depthFiles, maxDepth float64, batchSize int, infinite bool,
	seed int64) *depthDataset {
	ds := &depthDataset{
		name:      name,
		files:     files,
		maxDepth:  maxDepth,
		batchSize: batchSize,
		infinite:  infinite,
		rng:       rand.New(rand.NewSource(seed)),
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *depthDataset) Name() string { return ds.name }

// Reset implements train.Dataset. Infinite datasets are reshuffled.
func (ds *depthDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *depthDataset) resetLocked() {
	ds.next = 0
	if ds.infinite {
		ds.order = ds.rng.Perm(len(ds.files.pairs))
		return
	}
	ds.order = make([]int, len(ds.files.pairs))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
}

// nextBatch returns the indices of the next batch and a seed for its random transforms.
func (ds *depthDataset) nextBatch() (indices []int, seed int64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		if !ds.infinite {
			return nil, 0, io.EOF
		}
		ds.resetLocked()
	}
	if ds.infinite && len(ds.order)-ds.next < ds.batchSize {
		// Infinite datasets only yield full batches.
		ds.resetLocked()
	}
	end := min(len(ds.order), ds.next+ds.batchSize)
	indices = slices.Clone(ds.order[ds.next:end])
	ds.next = end
	return indices, ds.rng.Int63(), nil
}

// Yield implements train.Dataset: the inputs are the images and the labels are the depths.
func (ds *depthDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices, seed, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	var images, depths []float32
	var size Size
	for ii, idx := range indices {
		sample, err := loadSample(ds.files.pairs[idx], ds.maxDepth)
		if err != nil {
			return nil, nil, nil, err
		}
		sample = ds.files.transform(sample, rng)
		if ii == 0 {
			size = sample.Size()
		} else if sample.Size() != size {
			return nil, nil, nil, errors.Errorf("%s: samples of the same batch with different sizes %s and %s",
				ds.name, size, sample.Size())
		}
		images = normalizedRGB(images, sample.Image, ImageNetMean, ImageNetStd)
		depths = append(depths, sample.Depth.Values...)
	}
	batchSize := len(indices)
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images, batchSize, size.Height, size.Width, 3)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(depths, batchSize, size.Height, size.Width, 1)}
	return nil, inputs, labels, nil
}

func (n *NYUv2) dataset(split string, files *depthFiles, batchSize int, infinite bool) (train.Dataset, error) {
	if files == nil {
		return nil, errors.Wrapf(ErrNotSetup, "%s: %s split not loaded, call Setup first", n.Name(), split)
	}
	ds := newDepthDataset(fmt.Sprintf("%s-%s", n.Name(), split), files, n.opts.MaxDepth, batchSize, infinite,
		n.rng.Int63())
	if infinite && n.cfg.NumWorkers > 1 {
		return datasets.CustomParallel(ds).Parallelism(n.cfg.NumWorkers).Buffer(n.cfg.NumWorkers).Start(), nil
	}
	return ds, nil
}

// Train implements DataModule.
func (n *NYUv2) Train() (train.Dataset, error) {
	return n.dataset("train", n.train, n.cfg.BatchSize, true)
}

// Val implements DataModule.
func (n *NYUv2) Val() (train.Dataset, error) {
	return n.dataset("val", n.val, n.cfg.evalBatchSize(), false)
}

// Test implements DataModule.
func (n *NYUv2) Test() (train.Dataset, error) {
	return n.dataset("test", n.test, n.cfg.evalBatchSize(), false)
}
