// Package model defines the TrainableModel capability the rest of amnesia is
// written against, and ships one implementation: a dense MLP classifier.
//
// The unlearning and importance math never looks inside a model. It needs
// four things: logits for an input, a backward pass for a caller-supplied
// gradient with respect to those logits, the parameters as named tensors, and
// a deep copy. Losses live in this package as plain functions over logits so
// that training, unlearning and Fisher estimation share one definition.
package model

import (
	"fmt"

	"github.com/dreamware/amnesia/internal/errs"
)

// TrainableModel is a classifier whose parameters can be read and updated by
// name.
//
// Implementations are not safe for concurrent mutation. Concurrent calls to
// Logits on a model nobody is updating are safe.
type TrainableModel interface {
	// Architecture describes the model's shape.
	Architecture() Architecture

	// Logits evaluates the model on one input vector.
	Logits(x []float64) []float64

	// Backward back-propagates dLogits for input x and accumulates the
	// parameter gradients into grads, which must have the shape of Params().
	Backward(x []float64, dLogits []float64, grads Params)

	// Params returns the live parameter tensors. Writing to them changes
	// the model.
	Params() Params

	// Clone returns an independent deep copy.
	Clone() TrainableModel
}

// Architecture describes an MLP: input width, hidden widths and class count.
type Architecture struct {
	InputDim   int   `json:"input_dim" yaml:"input_dim"`
	HiddenDims []int `json:"hidden_dims" yaml:"hidden_dims"`
	NumClasses int   `json:"num_classes" yaml:"num_classes"`
}

// Validate checks that every dimension is positive.
func (a Architecture) Validate() error {
	if a.InputDim < 1 {
		return fmt.Errorf("%w: input_dim must be positive, got %d", errs.ErrConfiguration, a.InputDim)
	}
	if a.NumClasses < 2 {
		return fmt.Errorf("%w: num_classes must be at least 2, got %d", errs.ErrConfiguration, a.NumClasses)
	}
	for i, h := range a.HiddenDims {
		if h < 1 {
			return fmt.Errorf("%w: hidden_dims[%d] must be positive, got %d", errs.ErrConfiguration, i, h)
		}
	}
	return nil
}

// Factory builds a freshly initialised model. The seed fixes the initial
// weights so that training a shard is reproducible.
type Factory func(seed int64) (TrainableModel, error)

// MLPFactory returns a Factory producing MLPs of the given architecture.
func MLPFactory(arch Architecture) Factory {
	return func(seed int64) (TrainableModel, error) {
		return NewMLP(arch, seed)
	}
}

// Probabilities returns softmax(Logits(x)).
func Probabilities(m TrainableModel, x []float64) []float64 {
	return Softmax(m.Logits(x))
}

// Predict returns the argmax class for x.
func Predict(m TrainableModel, x []float64) int {
	return Argmax(m.Logits(x))
}
