package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

// Method selects how per-shard outputs are combined.
type Method string

const (
	// MethodMean averages the shards' class probabilities.
	MethodMean Method = "mean"
	// MethodVote returns how many shards predict each class.
	MethodVote Method = "vote"
	// MethodWeighted is the weight-averaged class probabilities.
	MethodWeighted Method = "weighted"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodMean, MethodVote, MethodWeighted:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown aggregation method %q", errs.ErrConfiguration, s)
}

// Aggregator combines the predictions of the serving shard models.
//
// Weights are stored raw and normalised on use, so after RemoveShard the
// remaining weights are divided by their new sum. UpdateShard swaps a
// shard's model atomically and leaves its weight untouched.
//
// Thread Safety:
// Predictions take a read lock on a consistent view; swaps take the write
// lock. Models are treated as immutable once added.
type Aggregator struct {
	mu      sync.RWMutex
	models  map[int]model.TrainableModel
	weights map[int]float64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		models:  make(map[int]model.TrainableModel),
		weights: make(map[int]float64),
	}
}

// AddShard starts serving m for shardIndex with the given raw weight.
// Adding a shard that is already served fails, as does a model whose input
// width or class count differs from the served ones.
func (a *Aggregator) AddShard(shardIndex int, m model.TrainableModel, weight float64) error {
	if m == nil {
		return fmt.Errorf("%w: nil model for shard %d", errs.ErrConfiguration, shardIndex)
	}
	if weight <= 0 {
		return fmt.Errorf("%w: weight must be > 0, got %g", errs.ErrConfiguration, weight)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.models[shardIndex]; ok {
		return fmt.Errorf("%w: shard %d is already served", errs.ErrConfiguration, shardIndex)
	}
	if err := a.compatibleLocked(shardIndex, m); err != nil {
		return err
	}
	a.models[shardIndex] = m
	a.weights[shardIndex] = weight
	return nil
}

// UpdateShard replaces the model of a served shard.
func (a *Aggregator) UpdateShard(shardIndex int, m model.TrainableModel) error {
	if m == nil {
		return fmt.Errorf("%w: nil model for shard %d", errs.ErrConfiguration, shardIndex)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.models[shardIndex]; !ok {
		return fmt.Errorf("%w: shard %d is not served", errs.ErrNotFound, shardIndex)
	}
	if err := a.compatibleLocked(shardIndex, m); err != nil {
		return err
	}
	a.models[shardIndex] = m
	return nil
}

// compatibleLocked checks m against every served model other than
// shardIndex's own.
func (a *Aggregator) compatibleLocked(shardIndex int, m model.TrainableModel) error {
	want := m.Architecture()
	for i, other := range a.models {
		if i == shardIndex {
			continue
		}
		have := other.Architecture()
		if have.InputDim != want.InputDim || have.NumClasses != want.NumClasses {
			return fmt.Errorf("%w: shard %d model is %dx%d, served shard %d is %dx%d", errs.ErrConfiguration,
				shardIndex, want.InputDim, want.NumClasses, i, have.InputDim, have.NumClasses)
		}
	}
	return nil
}

// checkInputLocked rejects x when its width differs from a served model's.
func (a *Aggregator) checkInputLocked(x []float64) error {
	for _, i := range a.sortedLocked() {
		if want := a.models[i].Architecture().InputDim; len(x) != want {
			return fmt.Errorf("%w: input has %d features, shard %d expects %d", errs.ErrConfiguration, len(x), i, want)
		}
	}
	return nil
}

// RemoveShard stops serving shardIndex.
func (a *Aggregator) RemoveShard(shardIndex int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.models[shardIndex]; !ok {
		return fmt.Errorf("%w: shard %d is not served", errs.ErrNotFound, shardIndex)
	}
	delete(a.models, shardIndex)
	delete(a.weights, shardIndex)
	return nil
}

// Publish is a PublishFunc: it adds the shard with unit weight, swaps its
// model, or removes it when m is nil. The manager builds every shard model
// from one architecture, so Publish does not check compatibility.
func (a *Aggregator) Publish(shardIndex int, m model.TrainableModel) {
	if m == nil {
		_ = a.RemoveShard(shardIndex)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.models[shardIndex]; !ok {
		a.weights[shardIndex] = 1
	}
	a.models[shardIndex] = m
}

// Has reports whether shardIndex is served.
func (a *Aggregator) Has(shardIndex int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.models[shardIndex]
	return ok
}

// Shards returns the served shard indices in order.
func (a *Aggregator) Shards() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sortedLocked()
}

func (a *Aggregator) sortedLocked() []int {
	out := make([]int, 0, len(a.models))
	for i := range a.models {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Weights returns the normalised weights, summing to 1.
func (a *Aggregator) Weights() map[int]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.normalisedLocked()
}

func (a *Aggregator) normalisedLocked() map[int]float64 {
	var total float64
	for _, w := range a.weights {
		total += w
	}
	out := make(map[int]float64, len(a.weights))
	for i, w := range a.weights {
		out[i] = w / total
	}
	return out
}

// Models returns a copy of the served models keyed by shard.
func (a *Aggregator) Models() map[int]model.TrainableModel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[int]model.TrainableModel, len(a.models))
	for i, m := range a.models {
		out[i] = m
	}
	return out
}

// Predict combines the served shards' outputs for x into one score per
// class: a probability distribution for mean and weighted, a vote count
// vector for vote. It fails with errs.ErrEmptyAggregator when no shard is
// served and errs.ErrConfiguration when x has the wrong width.
func (a *Aggregator) Predict(x []float64, method Method) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.models) == 0 {
		return nil, errs.ErrEmptyAggregator
	}
	if err := a.checkInputLocked(x); err != nil {
		return nil, err
	}

	var out []float64
	switch method {
	case MethodMean:
		for _, i := range a.sortedLocked() {
			p := model.Probabilities(a.models[i], x)
			if out == nil {
				out = make([]float64, len(p))
			}
			floats.Add(out, p)
		}
		floats.Scale(1/float64(len(a.models)), out)
	case MethodVote:
		for _, i := range a.sortedLocked() {
			logits := a.models[i].Logits(x)
			if out == nil {
				out = make([]float64, len(logits))
			}
			out[model.Argmax(logits)]++
		}
	case MethodWeighted:
		w := a.normalisedLocked()
		for _, i := range a.sortedLocked() {
			p := model.Probabilities(a.models[i], x)
			if out == nil {
				out = make([]float64, len(p))
			}
			floats.AddScaled(out, w[i], p)
		}
	default:
		return nil, fmt.Errorf("%w: unknown aggregation method %q", errs.ErrConfiguration, method)
	}
	return out, nil
}

// PredictClass returns the argmax of Predict.
func (a *Aggregator) PredictClass(x []float64, method Method) (int, error) {
	p, err := a.Predict(x, method)
	if err != nil {
		return 0, err
	}
	return model.Argmax(p), nil
}

// ShardPredictions returns every served shard's class probabilities for x.
// It fails with errs.ErrConfiguration when x has the wrong width.
func (a *Aggregator) ShardPredictions(x []float64) (map[int][]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkInputLocked(x); err != nil {
		return nil, err
	}
	out := make(map[int][]float64, len(a.models))
	for i, m := range a.models {
		out[i] = model.Probabilities(m, x)
	}
	return out, nil
}

// ShardConfidences returns every served shard's top-class probability for x.
func (a *Aggregator) ShardConfidences(x []float64) (map[int]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkInputLocked(x); err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(a.models))
	for i, m := range a.models {
		out[i] = floats.Max(model.Probabilities(m, x))
	}
	return out, nil
}
