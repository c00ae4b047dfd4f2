// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"cmp"
	"context"
	"io"
	"runtime"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Shard is the Entropy accumulated by one worker over its shard of the data, and the worker's rank.
// The rank defines the order of the per-sample scores when merging with ReductionNone.
type Shard struct {
	Rank   int
	Metric *Entropy
}

// MergeShards merges the accumulators of all shards into a new Entropy, in rank order.
//
// The shards can be given in any order, and they are not modified. It returns an error if the list is empty,
// if two shards have the same rank or if their reductions differ.
func MergeShards(shards []Shard) (*Entropy, error) {
	if len(shards) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "MergeShards: no shards given")
	}
	sorted := slices.Clone(shards)
	slices.SortStableFunc(sorted, func(a, b Shard) int { return cmp.Compare(a.Rank, b.Rank) })
	for ii, shard := range sorted {
		if shard.Metric == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "MergeShards: shard of rank %d has no metric", shard.Rank)
		}
		if ii > 0 && sorted[ii-1].Rank == shard.Rank {
			return nil, errors.Wrapf(ErrInvalidArgument, "MergeShards: duplicate rank %d", shard.Rank)
		}
	}
	merged := sorted[0].Metric.Clone()
	for _, shard := range sorted[1:] {
		if err := merged.Merge(shard.Metric); err != nil {
			return nil, errors.WithMessagef(err, "MergeShards: merging shard of rank %d", shard.Rank)
		}
	}
	return merged, nil
}

// ShardSource yields the probability batches of one shard of the evaluation data.
type ShardSource interface {
	// Rank of the shard, which orders the merge.
	Rank() int

	// Next returns the next probabilities batch, or io.EOF when the shard is exhausted.
	Next(ctx context.Context) (*tensors.Tensor, error)
}

// SliceShard is a ShardSource over batches already in memory.
type SliceShard struct {
	rank    int
	batches []*tensors.Tensor
	pos     int
}

// NewSliceShard creates a ShardSource that yields the given batches in order.
func NewSliceShard(rank int, batches ...*tensors.Tensor) *SliceShard {
	return &SliceShard{rank: rank, batches: batches}
}

// Rank implements ShardSource.
func (s *SliceShard) Rank() int { return s.rank }

// Next implements ShardSource.
func (s *SliceShard) Next(ctx context.Context) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	s.pos++
	return s.batches[s.pos-1], nil
}

// PartitionBatches splits batches into numShards contiguous shards, so merging them in rank order preserves the
// original order of the samples. Shards may be empty if there are fewer batches than shards.
func PartitionBatches(batches []*tensors.Tensor, numShards int) ([]ShardSource, error) {
	if numShards <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "PartitionBatches: numShards must be > 0, got %d", numShards)
	}
	sources := make([]ShardSource, numShards)
	start := 0
	for rank := range numShards {
		end := start + (len(batches)-start)/(numShards-rank)
		sources[rank] = NewSliceShard(rank, batches[start:end]...)
		start = end
	}
	return sources, nil
}

// EvaluateShards drains every shard into its own accumulator, created with newAcc, and merges them in rank order
// once all shards are done.
//
// Shards are processed concurrently, at most GOMAXPROCS at a time. The first error cancels the processing of the
// other shards and is returned.
func EvaluateShards(ctx context.Context, sources []ShardSource, newAcc func() (*Entropy, error)) (*Entropy, error) {
	if len(sources) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "EvaluateShards: no shards given")
	}
	shards := make([]Shard, len(sources))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for ii, source := range sources {
		g.Go(func() error {
			acc, err := newAcc()
			if err != nil {
				return errors.WithMessagef(err, "creating accumulator for shard %d", source.Rank())
			}
			var numBatches int
			for {
				probs, err := source.Next(gCtx)
				if err == io.EOF {
					break
				}
				if err != nil {
					return errors.WithMessagef(err, "reading shard %d", source.Rank())
				}
				if err = acc.Update(probs); err != nil {
					return errors.WithMessagef(err, "shard %d, batch %d", source.Rank(), numBatches)
				}
				numBatches++
			}
			klog.V(2).Infof("shard %d: %d batches accumulated", source.Rank(), numBatches)
			shards[ii] = Shard{Rank: source.Rank(), Metric: acc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return MergeShards(shards)
}
