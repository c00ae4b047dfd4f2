// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements streaming uncertainty metrics over batches of predicted probabilities:
// Entropy (the core one), MutualInformation, CalibrationError and Accuracy.
//
// Accumulators are updated batch by batch with Update, read with Compute (which doesn't change the state)
// and cleared with Reset between evaluations. Accumulators of different data shards can be combined with
// Merge, or with MergeShards / EvaluateShards for the Entropy.
//
// A Collection groups the accumulators used in one evaluation, under explicit names. For training loops,
// EntropyMetric adapts an Entropy to the GoMLX metrics.Interface.
//
// Example:
//
//	entropy := must.M1(metrics.NewEntropy(metrics.ReductionMean))
//	for probs := range batches {
//		if err := entropy.Update(probs); err != nil {
//			return err
//		}
//	}
//	value, err := entropy.Compute()
package metrics
