// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// CalibrationNorm defines how the per-bin calibration gaps are combined.
type CalibrationNorm int

const (
	// NormL1 is the expected calibration error (ECE): the gaps weighted by the fraction of samples in each bin.
	NormL1 CalibrationNorm = iota

	// NormL2 is the root mean squared calibration error.
	NormL2

	// NormMax is the maximum calibration error (MCE) over the non-empty bins.
	NormMax
)

var calibrationNormNames = []string{"l1", "l2", "max"}

// String implements fmt.Stringer.
func (n CalibrationNorm) String() string {
	if n < NormL1 || n > NormMax {
		return "CalibrationNorm(" + strconv.Itoa(int(n)) + ")"
	}
	return calibrationNormNames[n]
}

// CalibrationNormString converts "l1", "l2" or "max" (case-insensitive) to a CalibrationNorm.
func CalibrationNormString(name string) (CalibrationNorm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, known := range calibrationNormNames {
		if name == known {
			return CalibrationNorm(ii), nil
		}
	}
	return NormL1, errors.Wrapf(ErrInvalidArgument, "expected calibration norm to be one of %q, got %q",
		calibrationNormNames, name)
}

const (
	// CalibrationErrorName is the default name of the CalibrationError metric.
	CalibrationErrorName = "calibration_error"

	// DefaultNumBins is the default number of confidence bins of CalibrationError.
	DefaultNumBins = 15
)

// CalibrationError accumulates the top-label calibration error of a classifier: how far the confidence
// (highest probability) is from the accuracy, over numBins equal-width confidence bins in [0, 1].
//
// Probabilities with an estimators axis are averaged over the estimators before binning.
type CalibrationError struct {
	norm            CalibrationNorm
	confSum, accSum []float64
	counts          []int
	numSamples      int
}

// NewCalibrationError creates an empty CalibrationError with numBins bins (> 0) and the given norm.
func NewCalibrationError(numBins int, norm CalibrationNorm) (*CalibrationError, error) {
	if numBins <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewCalibrationError: numBins must be > 0, got %d", numBins)
	}
	if norm < NormL1 || norm > NormMax {
		return nil, errors.Wrapf(ErrInvalidArgument, "NewCalibrationError: invalid norm %s", norm)
	}
	return &CalibrationError{
		norm:    norm,
		confSum: make([]float64, numBins),
		accSum:  make([]float64, numBins),
		counts:  make([]int, numBins),
	}, nil
}

// Name implements Accumulator.
func (c *CalibrationError) Name() string { return CalibrationErrorName }

// NumBins returns the number of confidence bins.
func (c *CalibrationError) NumBins() int { return len(c.counts) }

// Norm returns the norm used to combine the bins.
func (c *CalibrationError) Norm() CalibrationNorm { return c.norm }

// Update implements Accumulator. probs is shaped [batch, classes] or [estimators, batch, classes], and labels
// are integers shaped [batch] or [batch, 1].
func (c *CalibrationError) Update(probs, labels *tensors.Tensor) error {
	flat, dims, err := flatFloat64(probs)
	if err != nil {
		return errors.WithMessage(err, "CalibrationError.Update")
	}
	labelsFlat, err := flatLabels(labels)
	if err != nil {
		return errors.WithMessage(err, "CalibrationError.Update")
	}
	return c.UpdateFlat(flat, dims, labelsFlat)
}

// UpdateFlat is like Update, but takes the probabilities as a flat slice with its dimensions, and the labels
// as a slice.
func (c *CalibrationError) UpdateFlat(probs []float64, dims []int, labels []int) error {
	predictions, confidences, err := topLabel(probs, dims, labels)
	if err != nil {
		return errors.WithMessage(err, "CalibrationError.Update")
	}
	numBins := len(c.counts)
	for ii, conf := range confidences {
		bin := int(conf * float64(numBins))
		bin = max(0, min(bin, numBins-1))
		c.confSum[bin] += conf
		if predictions[ii] == labels[ii] {
			c.accSum[bin]++
		}
		c.counts[bin]++
	}
	c.numSamples += len(confidences)
	return nil
}

// Compute returns the calibration error. It returns an error wrapping ErrDivisionUndefined if no sample was seen.
func (c *CalibrationError) Compute() (Value, error) {
	if c.numSamples == 0 {
		return Value{}, errors.Wrapf(ErrDivisionUndefined, "computing %s", CalibrationErrorName)
	}
	var result float64
	total := float64(c.numSamples)
	for bin, count := range c.counts {
		if count == 0 {
			continue
		}
		n := float64(count)
		gap := math.Abs(c.accSum[bin]/n - c.confSum[bin]/n)
		switch c.norm {
		case NormL1:
			result += n / total * gap
		case NormL2:
			result += n / total * gap * gap
		case NormMax:
			result = max(result, gap)
		}
	}
	if c.norm == NormL2 {
		result = math.Sqrt(result)
	}
	return ScalarValue(result), nil
}

// Merge adds the bins of other into c. Both must have the same number of bins and norm.
func (c *CalibrationError) Merge(other *CalibrationError) error {
	if other == nil {
		return errors.Wrap(ErrInvalidArgument, "CalibrationError.Merge with nil")
	}
	if len(other.counts) != len(c.counts) || other.norm != c.norm {
		return errors.Wrapf(ErrInvalidArgument, "cannot merge calibration error (%d bins, %s) into (%d bins, %s)",
			len(other.counts), other.norm, len(c.counts), c.norm)
	}
	for bin := range c.counts {
		c.confSum[bin] += other.confSum[bin]
		c.accSum[bin] += other.accSum[bin]
		c.counts[bin] += other.counts[bin]
	}
	c.numSamples += other.numSamples
	return nil
}

// Reset implements Accumulator.
func (c *CalibrationError) Reset() {
	clear(c.confSum)
	clear(c.accSum)
	clear(c.counts)
	c.numSamples = 0
}

// topLabel returns, for each sample, the predicted class and its probability, averaging over the estimators axis
// if present.
func topLabel(probs []float64, dims []int, labels []int) (predictions []int, confidences []float64, err error) {
	geom, err := newBatchGeometry(dims)
	if err != nil {
		return nil, nil, err
	}
	if err = checkFlatSize(probs, dims); err != nil {
		return nil, nil, err
	}
	if len(labels) != geom.batchSize {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "got %d labels for a batch of size %d",
			len(labels), geom.batchSize)
	}
	predictions, confidences = argMax(meanProbabilities(probs, geom), geom)
	return predictions, confidences, nil
}

// argMax returns the index and value of the largest probability of each sample of mean, shaped [batch, classes].
func argMax(mean []float64, geom batchGeometry) (predictions []int, confidences []float64) {
	predictions = make([]int, geom.batchSize)
	confidences = make([]float64, geom.batchSize)
	for b := range geom.batchSize {
		row := mean[b*geom.numClasses : (b+1)*geom.numClasses]
		best, bestIdx := math.Inf(-1), -1
		for ii, p := range row {
			if p > best {
				best, bestIdx = p, ii
			}
		}
		predictions[b], confidences[b] = bestIdx, best
	}
	return
}

// Confidences returns the probability of the predicted class of each sample of probs, shaped [batch, classes] or
// [estimators, batch, classes]. Estimators are averaged first.
func Confidences(probs *tensors.Tensor) ([]float64, error) {
	flat, dims, err := flatFloat64(probs)
	if err != nil {
		return nil, errors.WithMessage(err, "Confidences")
	}
	geom, err := newBatchGeometry(dims)
	if err != nil {
		return nil, errors.WithMessage(err, "Confidences")
	}
	_, confidences := argMax(meanProbabilities(flat, geom), geom)
	return confidences, nil
}
