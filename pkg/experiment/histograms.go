// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// DefaultHistogramBins is the default value of ParamHistogramBins.
const DefaultHistogramBins = 20

// File names of the histograms saved by SaveHistograms.
const (
	EntropyHistogramFile    = "entropy_histogram.png"
	ConfidenceHistogramFile = "confidence_histogram.png"
)

// SaveHistogram saves a PNG with the normalized histogram of values. Non-finite values are skipped.
func SaveHistogram(path, title, xLabel string, values []float64, numBins int) error {
	if numBins <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "histogram %q: number of bins must be > 0, got %d", title, numBins)
	}
	finite := make(plotter.Values, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return errors.Wrapf(ErrInvalidArgument, "histogram %q: no finite values", title)
	}
	if skipped := len(values) - len(finite); skipped > 0 {
		klog.Warningf("histogram %q: skipped %d non-finite values", title, skipped)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "density"
	hist, err := plotter.NewHist(finite, numBins)
	if err != nil {
		return errors.Wrapf(err, "histogram %q", title)
	}
	hist.Normalize(1)
	hist.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	p.Add(hist)
	if err = p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving histogram %q", path)
	}
	return nil
}

// SaveHistograms saves the histograms of the per-sample entropy and confidence of the report in dir,
// creating it if needed. It returns the paths of the files saved.
func (r *Report) SaveHistograms(dir string, numBins int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating histograms directory %q", dir)
	}
	name := fmt.Sprintf("%s on %s", r.Model, r.Dataset)
	entropyPath := filepath.Join(dir, EntropyHistogramFile)
	if err := SaveHistogram(entropyPath, "Entropy: "+name, "entropy (nats)", r.Entropies, numBins); err != nil {
		return nil, err
	}
	confidencePath := filepath.Join(dir, ConfidenceHistogramFile)
	if err := SaveHistogram(confidencePath, "Confidence: "+name, "top-label probability", r.Confidences,
		numBins); err != nil {
		return nil, err
	}
	return []string{entropyPath, confidencePath}, nil
}
