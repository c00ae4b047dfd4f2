// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// uncertainty trains a classifier on CIFAR-10 or CIFAR-100 and reports its accuracy, predictive entropy,
// calibration error and, for Monte-Carlo dropout, the mutual information of the estimators.
//
// Hyperparameters are given with -set, e.g.:
//
//	uncertainty -set="model=wideresnet;version=mc-dropout;dropout_rate=0.3;dataset=cifar100"
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/uncertainty/pkg/experiment"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/uncertainty", "Directory to cache downloaded datasets and to save checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from, relative to -data. If left empty, no checkpoints are created.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the test data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := experiment.DefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	dataDir := must.M1(fsutil.ReplaceTildeInDir(*flagDataDir))
	if !must.M1(fsutil.FileExists(dataDir)) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	_, err := experiment.Run(ctx, experiment.Options{
		DataDir:        dataDir,
		CheckpointPath: *flagCheckpoint,
		Evaluate:       *flagEval,
		Verbosity:      *flagVerbosity,
		ParamsSet:      paramsSet,
	})
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}
