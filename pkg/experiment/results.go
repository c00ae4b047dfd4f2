// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"os"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Columns of the results CSV that precede the metrics.
const (
	ColumnModel       = "model"
	ColumnDataset     = "dataset"
	ColumnNumExamples = "num_examples"
)

// Records returns the report as a header and one row of strings, suitable for a CSV file.
func (r *Report) Records() [][]string {
	header := append([]string{ColumnModel, ColumnDataset, ColumnNumExamples}, r.Names...)
	row := []string{r.Model, r.Dataset, strconv.Itoa(r.NumExamples)}
	for _, name := range r.Names {
		v := r.Values[name]
		if v.IsScalar() {
			row = append(row, strconv.FormatFloat(v.Scalar(), 'g', -1, 64))
		} else {
			row = append(row, v.String())
		}
	}
	return [][]string{header, row}
}

// AppendCSV appends the report as a row to the CSV file in path, creating it with a header if it doesn't exist.
// An existing file must have the same columns.
func (r *Report) AppendCSV(path string) error {
	records := r.Records()
	loadOpts := []dataframe.LoadOption{dataframe.DetectTypes(false), dataframe.DefaultType(series.String)}
	df := dataframe.LoadRecords(records, loadOpts...)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "converting report of %s to a dataframe", r.Model)
	}

	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	if exists {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "opening results %q", path)
		}
		previous := dataframe.ReadCSV(f, loadOpts...)
		_ = f.Close()
		if previous.Err != nil {
			return errors.Wrapf(previous.Err, "reading results %q", path)
		}
		if !slices.Equal(previous.Names(), records[0]) {
			return errors.Wrapf(ErrInvalidArgument, "results %q has columns %q, but the report has %q",
				path, previous.Names(), records[0])
		}
		df = previous.RBind(df)
		if df.Err != nil {
			return errors.Wrapf(df.Err, "appending to results %q", path)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating results %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing results %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing results %q", path)
	}
	klog.V(1).Infof("appended results of %s on %s to %q (%d rows)", r.Model, r.Dataset, path, df.Nrow())
	return nil
}
