// Package dataset is the dataset-provider boundary: labelled samples
// addressable by integer index, plus subset selection and batching.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/dreamware/amnesia/internal/errs"
)

// Sample is one labelled input.
type Sample struct {
	Input []float64
	Label int
}

// Dataset is a random-access collection of samples.
type Dataset interface {
	Len() int
	Sample(i int) (Sample, error)
}

// InMemory is a Dataset backed by slices.
type InMemory struct {
	inputs [][]float64
	labels []int
}

// NewInMemory builds a dataset from parallel input and label slices.
func NewInMemory(inputs [][]float64, labels []int) (*InMemory, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("%w: %d inputs but %d labels", errs.ErrConfiguration, len(inputs), len(labels))
	}
	return &InMemory{inputs: inputs, labels: labels}, nil
}

// Len implements Dataset.
func (d *InMemory) Len() int { return len(d.inputs) }

// Sample implements Dataset.
func (d *InMemory) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(d.inputs) {
		return Sample{}, fmt.Errorf("%w: sample %d out of range [0, %d)", errs.ErrNotFound, i, len(d.inputs))
	}
	return Sample{Input: d.inputs[i], Label: d.labels[i]}, nil
}

// SubsetView exposes a list of parent indices as a Dataset.
type SubsetView struct {
	parent  Dataset
	indices []int
}

// Subset selects the given parent indices, in order.
func Subset(parent Dataset, indices []int) *SubsetView {
	return &SubsetView{parent: parent, indices: append([]int(nil), indices...)}
}

// Len implements Dataset.
func (s *SubsetView) Len() int { return len(s.indices) }

// Sample implements Dataset.
func (s *SubsetView) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(s.indices) {
		return Sample{}, fmt.Errorf("%w: sample %d out of range [0, %d)", errs.ErrNotFound, i, len(s.indices))
	}
	return s.parent.Sample(s.indices[i])
}

// Indices returns the parent indices of the subset.
func (s *SubsetView) Indices() []int { return append([]int(nil), s.indices...) }

// Load materialises the samples at the given positions.
func Load(ds Dataset, positions []int) ([]Sample, error) {
	out := make([]Sample, len(positions))
	for i, p := range positions {
		s, err := ds.Sample(p)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// All materialises every sample of ds.
func All(ds Dataset) ([]Sample, error) {
	out := make([]Sample, ds.Len())
	for i := range out {
		s, err := ds.Sample(i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Batches splits positions 0..n-1 into consecutive batches of at most size
// elements. When rng is non-nil the positions are shuffled first.
func Batches(n, size int, rng *rand.Rand) [][]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([][]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, order[start:end])
	}
	return out
}

// NumClasses returns 1 + the largest label in ds, or 0 for an empty dataset.
func NumClasses(ds Dataset) (int, error) {
	maxLabel := -1
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Sample(i)
		if err != nil {
			return 0, err
		}
		if s.Label > maxLabel {
			maxLabel = s.Label
		}
	}
	return maxLabel + 1, nil
}
