// Package importance estimates how much each model parameter matters to the
// retained data, using the diagonal of the empirical Fisher information.
//
// The diagonal is the mean over retained samples of the squared gradient of
// log p(y|x) with respect to each parameter. Unlearning uses it to weight a
// penalty on parameter drift, so that weights the retained data depends on
// move least.
package importance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

// Diagonal maps parameter names to non-negative importance values with the
// shape of the parameter.
type Diagonal map[string]*model.Tensor

// Estimator computes Fisher diagonals.
type Estimator struct {
	// MaxSamples caps the number of retained samples used. Zero uses all.
	MaxSamples int
	// Seed picks the subset when MaxSamples is smaller than the data.
	Seed int64

	logger *zap.Logger
}

// NewEstimator returns an Estimator. A nil logger discards output.
func NewEstimator(maxSamples int, seed int64, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{MaxSamples: maxSamples, Seed: seed, logger: logger}
}

// Estimate computes the Fisher diagonal of m on retain. The model is only
// read. The result is normalised by the number of samples actually
// processed; an empty retain set yields all zeros.
func (e *Estimator) Estimate(ctx context.Context, m model.TrainableModel, retain dataset.Dataset) (Diagonal, error) {
	n := retain.Len()
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	if e.MaxSamples > 0 && e.MaxSamples < n {
		rng := rand.New(rand.NewSource(e.Seed))
		rng.Shuffle(n, func(i, j int) { positions[i], positions[j] = positions[j], positions[i] })
		positions = positions[:e.MaxSamples]
	}

	fisher := m.Params().ZerosLike()
	grads := m.Params().ZerosLike()
	processed := 0
	for k, pos := range positions {
		if k%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		s, err := retain.Sample(pos)
		if err != nil {
			return nil, err
		}
		grads.Zero()
		_, dLogits := model.LogLikelihoodGrad(m.Logits(s.Input), s.Label)
		m.Backward(s.Input, dLogits, grads)
		for name, g := range grads {
			f := fisher[name].Data
			for i, v := range g.Data {
				f[i] += v * v
			}
		}
		processed++
	}
	if processed > 0 {
		fisher.Scale(1 / float64(processed))
	}

	e.logger.Debug("fisher diagonal computed",
		zap.Int("samples", processed),
		zap.Int("parameters", fisher.Count()))
	return Diagonal(fisher), nil
}

// Mask marks parameters whose importance is strictly above the given
// percentile (0-100) of all values pooled across every tensor. The
// percentile uses linear interpolation between order statistics.
func (d Diagonal) Mask(percentile float64) (map[string][]bool, error) {
	if percentile < 0 || percentile > 100 || math.IsNaN(percentile) {
		return nil, fmt.Errorf("%w: percentile must be in [0, 100], got %g", errs.ErrConfiguration, percentile)
	}
	var pooled []float64
	for _, name := range model.Params(d).Names() {
		pooled = append(pooled, d[name].Data...)
	}
	masks := make(map[string][]bool, len(d))
	if len(pooled) == 0 {
		return masks, nil
	}
	sort.Float64s(pooled)
	threshold := quantile(pooled, percentile/100)

	for name, t := range d {
		mask := make([]bool, t.Len())
		for i, v := range t.Data {
			mask[i] = v > threshold
		}
		masks[name] = mask
	}
	return masks, nil
}

// quantile interpolates linearly between the order statistics of sorted at
// position q*(n-1).
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// RegularizationWeights min-max normalises each tensor to [0, 1] and
// multiplies by scale. A constant tensor maps to zeros.
func (d Diagonal) RegularizationWeights(scale float64) Diagonal {
	out := make(Diagonal, len(d))
	for name, t := range d {
		w := model.NewTensor(t.Shape...)
		if t.Len() > 0 {
			lo, hi := floats.Min(t.Data), floats.Max(t.Data)
			if hi > lo {
				for i, v := range t.Data {
					w.Data[i] = (v - lo) / (hi - lo) * scale
				}
			}
		}
		out[name] = w
	}
	return out
}

// Penalty returns sum(F * (p - ref)^2) and accumulates its gradient
// 2*F*(p - ref), scaled by weight, into grads.
func (d Diagonal) Penalty(params, ref model.Params, weight float64, grads model.Params) float64 {
	var total float64
	for _, name := range params.Names() {
		f, ok := d[name]
		if !ok {
			continue
		}
		p, r := params[name].Data, ref[name].Data
		var g []float64
		if grads != nil {
			g = grads[name].Data
		}
		for i := range p {
			diff := p[i] - r[i]
			total += f.Data[i] * diff * diff
			if g != nil {
				g[i] += weight * 2 * f.Data[i] * diff
			}
		}
	}
	return total
}
