// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	stderrors "errors"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Accumulator is the interface of a streaming metric that can be part of a Collection.
type Accumulator interface {
	// Name of the metric, used as its default name in a Collection.
	Name() string

	// Update accumulates a batch of probabilities, shaped [batch, classes] or [estimators, batch, classes],
	// along with the integer labels, shaped [batch] or [batch, 1]. Metrics that don't use labels ignore them.
	Update(probs, labels *tensors.Tensor) error

	// Compute returns the current value of the metric without changing its state.
	Compute() (Value, error)

	// Reset the metric to its empty state.
	Reset()
}

// ProbabilitiesAccumulator is implemented by metrics that only take probabilities, like Entropy and
// MutualInformation.
type ProbabilitiesAccumulator interface {
	Name() string
	Update(probs *tensors.Tensor) error
	Compute() (Value, error)
	Reset()
}

// WithoutLabels adapts a ProbabilitiesAccumulator to an Accumulator that ignores the labels.
func WithoutLabels(acc ProbabilitiesAccumulator) Accumulator {
	return &unlabeled{acc: acc}
}

type unlabeled struct {
	acc ProbabilitiesAccumulator
}

func (u *unlabeled) Name() string                          { return u.acc.Name() }
func (u *unlabeled) Update(probs, _ *tensors.Tensor) error { return u.acc.Update(probs) }
func (u *unlabeled) Compute() (Value, error)               { return u.acc.Compute() }
func (u *unlabeled) Reset()                                { u.acc.Reset() }

// Collection is an ordered set of named accumulators, updated and computed together.
//
// The accumulators are given explicitly by the owner of the collection: there is no global registry.
type Collection struct {
	names []string
	accs  map[string]Accumulator
}

// NewCollection creates a collection with the given accumulators, named by their Name method.
func NewCollection(accs ...Accumulator) (*Collection, error) {
	c := &Collection{accs: make(map[string]Accumulator)}
	for _, acc := range accs {
		if acc == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "NewCollection: nil accumulator")
		}
		if err := c.Add(acc.Name(), acc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add an accumulator under the given name. It returns an error if the name is already used.
func (c *Collection) Add(name string, acc Accumulator) error {
	if name == "" || acc == nil {
		return errors.Wrapf(ErrInvalidArgument, "Collection.Add(%q): name and accumulator must be given", name)
	}
	if c.accs == nil {
		c.accs = make(map[string]Accumulator)
	}
	if _, found := c.accs[name]; found {
		return errors.Wrapf(ErrInvalidArgument, "Collection.Add: metric %q already in collection", name)
	}
	c.names = append(c.names, name)
	c.accs[name] = acc
	return nil
}

// Names returns the names of the accumulators, in the order they were added.
func (c *Collection) Names() []string {
	return slices.Clone(c.names)
}

// Len returns the number of accumulators in the collection.
func (c *Collection) Len() int { return len(c.names) }

// Get returns the accumulator with the given name, or nil.
func (c *Collection) Get(name string) Accumulator {
	return c.accs[name]
}

// Update all accumulators with the batch, in order. It stops at the first error.
func (c *Collection) Update(probs, labels *tensors.Tensor) error {
	for _, name := range c.names {
		if err := c.accs[name].Update(probs, labels); err != nil {
			return errors.WithMessagef(err, "updating metric %q", name)
		}
	}
	return nil
}

// Compute all accumulators. Values of metrics that failed are left out of the returned map, and their errors
// are joined.
func (c *Collection) Compute() (map[string]Value, error) {
	values := make(map[string]Value, len(c.names))
	var errs []error
	for _, name := range c.names {
		value, err := c.accs[name].Compute()
		if err != nil {
			errs = append(errs, errors.WithMessagef(err, "computing metric %q", name))
			continue
		}
		values[name] = value
	}
	return values, stderrors.Join(errs...)
}

// Reset all accumulators.
func (c *Collection) Reset() {
	for _, name := range c.names {
		c.accs[name].Reset()
	}
}
