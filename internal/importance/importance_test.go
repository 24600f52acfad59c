package importance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

func fixture(t *testing.T) (model.TrainableModel, dataset.Dataset) {
	t.Helper()
	ds, err := dataset.Blobs(dataset.BlobsConfig{Samples: 40, Features: 3, Classes: 2, Separation: 2, Noise: 1, Seed: 5})
	require.NoError(t, err)
	m, err := model.NewMLP(model.Architecture{InputDim: 3, HiddenDims: []int{4}, NumClasses: 2}, 2)
	require.NoError(t, err)
	return m, ds
}

// TestEstimate tests shape, sign and normalisation of the Fisher diagonal
func TestEstimate(t *testing.T) {
	m, ds := fixture(t)
	before := m.Params().Clone()

	diag, err := NewEstimator(0, 1, nil).Estimate(context.Background(), m, ds)
	require.NoError(t, err)
	assert.Equal(t, before, m.Params(), "estimation must not modify the model")

	for name, p := range m.Params() {
		require.Contains(t, diag, name)
		assert.Equal(t, p.Shape, diag[name].Shape)
		for _, v := range diag[name].Data {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}

	// A single-sample estimate equals that sample's squared gradient.
	one := dataset.Subset(ds, []int{0})
	got, err := NewEstimator(0, 1, nil).Estimate(context.Background(), m, one)
	require.NoError(t, err)
	s, err := ds.Sample(0)
	require.NoError(t, err)
	grads := m.Params().ZerosLike()
	_, d := model.LogLikelihoodGrad(m.Logits(s.Input), s.Label)
	m.Backward(s.Input, d, grads)
	for name, g := range grads {
		for i, v := range g.Data {
			assert.InDelta(t, v*v, got[name].Data[i], 1e-12)
		}
	}
}

// TestEstimateSampleCap tests that the cap changes the normaliser
func TestEstimateSampleCap(t *testing.T) {
	m, ds := fixture(t)
	capped, err := NewEstimator(5, 1, nil).Estimate(context.Background(), m, ds)
	require.NoError(t, err)
	again, err := NewEstimator(5, 1, nil).Estimate(context.Background(), m, ds)
	require.NoError(t, err)
	assert.Equal(t, capped, again)

	empty, err := NewEstimator(0, 1, nil).Estimate(context.Background(), m, dataset.Subset(ds, nil))
	require.NoError(t, err)
	for _, t2 := range empty {
		for _, v := range t2.Data {
			assert.Zero(t, v)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEstimator(0, 1, nil).Estimate(ctx, m, ds)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestMask tests the pooled percentile threshold
func TestMask(t *testing.T) {
	d := Diagonal{
		"a": {Shape: []int{3}, Data: []float64{1, 2, 3}},
		"b": {Shape: []int{2}, Data: []float64{4, 5}},
	}

	tests := []struct {
		name       string
		percentile float64
		a, b       []bool
	}{
		// pooled [1 2 3 4 5]; 50th percentile is 3, strict >.
		{"median", 50, []bool{false, false, false}, []bool{true, true}},
		// 90th percentile interpolates to 4.6.
		{"ninetieth", 90, []bool{false, false, false}, []bool{false, true}},
		{"zero", 0, []bool{false, true, true}, []bool{true, true}},
		{"hundred", 100, []bool{false, false, false}, []bool{false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, err := d.Mask(tt.percentile)
			require.NoError(t, err)
			assert.Equal(t, tt.a, mask["a"])
			assert.Equal(t, tt.b, mask["b"])
		})
	}

	_, err := d.Mask(101)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

// TestRegularizationWeights tests per-tensor min-max scaling
func TestRegularizationWeights(t *testing.T) {
	d := Diagonal{
		"a": {Shape: []int{3}, Data: []float64{2, 4, 6}},
		"c": {Shape: []int{2}, Data: []float64{7, 7}},
	}
	w := d.RegularizationWeights(10)
	assert.InDeltaSlice(t, []float64{0, 5, 10}, w["a"].Data, 1e-12)
	assert.Equal(t, []float64{0, 0}, w["c"].Data)
}

// TestPenalty tests the EWC penalty value and gradient
func TestPenalty(t *testing.T) {
	d := Diagonal{"w": {Shape: []int{2}, Data: []float64{1, 3}}}
	params := model.Params{"w": {Shape: []int{2}, Data: []float64{1, 2}}}
	ref := model.Params{"w": {Shape: []int{2}, Data: []float64{0, 0}}}
	grads := params.ZerosLike()

	got := d.Penalty(params, ref, 0.5, grads)
	assert.InDelta(t, 1*1+3*4, got, 1e-12)
	assert.InDeltaSlice(t, []float64{0.5 * 2 * 1 * 1, 0.5 * 2 * 3 * 2}, grads["w"].Data, 1e-12)

	assert.Zero(t, d.Penalty(ref, ref, 1, nil))
}
