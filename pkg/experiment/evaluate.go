// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	stdcontext "context"
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/uncertainty/pkg/calibration"
	"github.com/gomlx/uncertainty/pkg/metrics"
	"github.com/gomlx/uncertainty/pkg/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names in the Report besides the ones of the metrics.
const (
	// ShardedEntropyName is the total entropy computed over the sharded predictions.
	ShardedEntropyName = "entropy_sum_sharded"

	// TemperatureName is the temperature used to scale the logits, see EvalOptions.Temperature.
	TemperatureName = "temperature"

	// CalibratedPrefix prefixes the names of the metrics of the temperature scaled logits.
	CalibratedPrefix = "cal_"
)

// EvalOptions configures Evaluate.
type EvalOptions struct {
	// CalibrationBins and CalibrationNorm configure the calibration error.
	CalibrationBins int
	CalibrationNorm metrics.CalibrationNorm

	// Shards, if > 0, also computes the total entropy by splitting the predictions in that many shards,
	// evaluated concurrently and then merged.
	Shards int

	// Temperature, if > 0, also reports the metrics of the logits divided by it, with names prefixed by
	// CalibratedPrefix. See FitTemperature.
	Temperature float64
}

// EvalOptionsFromContext returns the evaluation options from the context hyperparameters.
func EvalOptionsFromContext(ctx *context.Context) (EvalOptions, error) {
	norm, err := metrics.CalibrationNormString(context.GetParamOr(ctx, ParamCalibrationNorm, metrics.NormL1.String()))
	if err != nil {
		return EvalOptions{}, err
	}
	return EvalOptions{
		CalibrationBins: context.GetParamOr(ctx, ParamCalibrationBins, metrics.DefaultNumBins),
		CalibrationNorm: norm,
		Shards:          context.GetParamOr(ctx, ParamEvalShards, 0),
	}, nil
}

// Report holds the metrics of a model evaluated on a dataset.
type Report struct {
	Model, Dataset string
	NumExamples    int

	// Names of the metrics, in the order they are reported.
	Names  []string
	Values map[string]metrics.Value

	// Entropies and Confidences are the per-sample entropy and top-label confidence of the (not scaled)
	// predictions, in dataset order.
	Entropies, Confidences []float64
}

// Value returns the scalar value of the metric, or NaN if it is not in the report.
func (r *Report) Value(name string) float64 {
	v, found := r.Values[name]
	if !found || !v.IsScalar() {
		return math.NaN()
	}
	return v.Scalar()
}

// String renders the report as a table.
func (r *Report) String() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Metric", "Value")
	for _, name := range r.Names {
		table.Row(name, r.Values[name].String())
	}
	return fmt.Sprintf("%s on %s (%s examples):\n%s", r.Model, r.Dataset, humanize.Comma(int64(r.NumExamples)),
		table.Render())
}

// Evaluate runs the model over the dataset, until it is exhausted, and returns the accuracy, mean entropy and
// calibration error of the predictions. For ensembles (models.MCDropout) it also reports the mean mutual
// information of the estimators.
//
// If opts.Temperature > 0, the metrics of the temperature scaled predictions are reported too.
//
// The dataset is reset before and after the evaluation. The model variables are taken from ctx, or initialized
// if missing.
func Evaluate(backend backends.Backend, ctx *context.Context, model models.Model, ds train.Dataset,
	opts EvalOptions) (*Report, error) {
	collection, err := newEvalCollection(model, opts)
	if err != nil {
		return nil, err
	}
	var calibrated *metrics.Collection
	if opts.Temperature > 0 {
		if calibrated, err = newEvalCollection(model, opts); err != nil {
			return nil, err
		}
	}
	samples, err := metrics.NewEntropy(metrics.ReductionNone)
	if err != nil {
		return nil, err
	}
	mc, isEnsemble := model.(*models.MCDropout)
	exec, err := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images *Node) []*Node {
		ctx = ctx.In("model")
		var logits *Node
		if isEnsemble {
			logits = mc.EstimatorLogits(ctx, images)
		} else {
			logits = model.Logits(ctx, images)
		}
		outputs := []*Node{metrics.ProbabilitiesGraph(logits)}
		if calibrated != nil {
			temperature := Const(images.Graph(), opts.Temperature)
			outputs = append(outputs, metrics.ProbabilitiesGraph(calibration.ScaleLogits(logits, temperature)))
		}
		return outputs
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building evaluation of %s", model.Name())
	}
	defer exec.Finalize()

	report := &Report{Model: model.Name(), Dataset: ds.Name()}
	var batches []*tensors.Tensor
	ds.Reset()
	defer ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %s", ds.Name())
		}
		if len(inputs) == 0 || len(labels) == 0 {
			return nil, errors.Errorf("dataset %s must yield images and labels", ds.Name())
		}
		outputs, err := exec.Exec(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %s", model.Name())
		}
		probs := outputs[0]
		if err := collection.Update(probs, labels[0]); err != nil {
			return nil, err
		}
		if calibrated != nil {
			if err := calibrated.Update(outputs[1], labels[0]); err != nil {
				return nil, err
			}
		}
		if err := samples.Update(probs); err != nil {
			return nil, err
		}
		confidences, err := metrics.Confidences(probs)
		if err != nil {
			return nil, err
		}
		report.Confidences = append(report.Confidences, confidences...)
		report.NumExamples += labels[0].Shape().Dimensions[0]
		if opts.Shards > 0 {
			batches = append(batches, probs)
		}
	}
	if report.NumExamples == 0 {
		return nil, errors.Errorf("dataset %s is empty", ds.Name())
	}

	report.Values, err = collection.Compute()
	if err != nil {
		return nil, err
	}
	report.Names = collection.Names()
	collection.Reset()
	entropies, err := samples.Compute()
	if err != nil {
		return nil, err
	}
	report.Entropies = entropies.Sequence()

	if calibrated != nil {
		values, err := calibrated.Compute()
		if err != nil {
			return nil, err
		}
		for _, name := range calibrated.Names() {
			report.Names = append(report.Names, CalibratedPrefix+name)
			report.Values[CalibratedPrefix+name] = values[name]
		}
		calibrated.Reset()
		report.Names = append(report.Names, TemperatureName)
		report.Values[TemperatureName] = metrics.ScalarValue(opts.Temperature)
	}

	if opts.Shards > 0 {
		total, err := shardedEntropy(batches, opts.Shards)
		if err != nil {
			return nil, err
		}
		report.Names = append(report.Names, ShardedEntropyName)
		report.Values[ShardedEntropyName] = total
	}
	klog.V(1).Infof("evaluated %s on %s: %d examples", report.Model, report.Dataset, report.NumExamples)
	return report, nil
}

func newEvalCollection(model models.Model, opts EvalOptions) (*metrics.Collection, error) {
	entropy, err := metrics.NewEntropy(metrics.ReductionMean)
	if err != nil {
		return nil, err
	}
	numBins := opts.CalibrationBins
	if numBins <= 0 {
		numBins = metrics.DefaultNumBins
	}
	calibrationError, err := metrics.NewCalibrationError(numBins, opts.CalibrationNorm)
	if err != nil {
		return nil, err
	}
	collection, err := metrics.NewCollection(metrics.NewAccuracy(), metrics.WithoutLabels(entropy), calibrationError)
	if err != nil {
		return nil, err
	}
	if _, isEnsemble := model.(*models.MCDropout); isEnsemble {
		mi, err := metrics.NewMutualInformation(metrics.ReductionMean)
		if err != nil {
			return nil, err
		}
		if err := collection.Add(mi.Name(), metrics.WithoutLabels(mi)); err != nil {
			return nil, err
		}
	}
	return collection, nil
}

// shardedEntropy computes the total entropy of the batches split into numShards concurrent shards.
func shardedEntropy(batches []*tensors.Tensor, numShards int) (metrics.Value, error) {
	sources, err := metrics.PartitionBatches(batches, numShards)
	if err != nil {
		return metrics.Value{}, err
	}
	merged, err := metrics.EvaluateShards(stdcontext.Background(), sources, func() (*metrics.Entropy, error) {
		return metrics.NewEntropy(metrics.ReductionSum)
	})
	if err != nil {
		return metrics.Value{}, errors.WithMessage(err, "sharded entropy")
	}
	return merged.Compute()
}
