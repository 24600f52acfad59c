package train

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

func blobs(t *testing.T) *dataset.InMemory {
	t.Helper()
	ds, err := dataset.Blobs(dataset.BlobsConfig{Samples: 120, Features: 2, Classes: 3, Separation: 5, Noise: 0.4, Seed: 3})
	require.NoError(t, err)
	return ds
}

// TestFit tests that training drives the loss down and is reproducible
func TestFit(t *testing.T) {
	ds := blobs(t)
	arch := model.Architecture{InputDim: 2, HiddenDims: []int{16}, NumClasses: 3}
	cfg := Config{Epochs: 40, BatchSize: 16, LearningRate: 0.01, Seed: 1}

	m, err := model.NewMLP(arch, 1)
	require.NoError(t, err)
	startLoss, _, err := Evaluate(m, ds)
	require.NoError(t, err)

	hist, err := Fit(context.Background(), m, ds, cfg, nil)
	require.NoError(t, err)
	require.Len(t, hist.Loss, cfg.Epochs)
	require.Len(t, hist.Accuracy, cfg.Epochs)

	endLoss, acc, err := Evaluate(m, ds)
	require.NoError(t, err)
	assert.Less(t, endLoss, startLoss)
	assert.Greater(t, acc, 0.9)

	again, err := model.NewMLP(arch, 1)
	require.NoError(t, err)
	_, err = Fit(context.Background(), again, ds, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Params(), again.Params())
}

// TestFitErrors tests configuration, empty data and cancellation
func TestFitErrors(t *testing.T) {
	arch := model.Architecture{InputDim: 2, NumClasses: 3}
	m, err := model.NewMLP(arch, 1)
	require.NoError(t, err)

	t.Run("invalid config", func(t *testing.T) {
		_, err := Fit(context.Background(), m, blobs(t), Config{Epochs: 0, BatchSize: 1, LearningRate: 1}, nil)
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("empty dataset", func(t *testing.T) {
		empty, err := dataset.NewInMemory(nil, nil)
		require.NoError(t, err)
		_, err = Fit(context.Background(), m, empty, DefaultConfig(), nil)
		assert.ErrorIs(t, err, errs.ErrEmptyShard)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		hist, err := Fit(ctx, m, blobs(t), DefaultConfig(), nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, hist.Loss)
	})

	t.Run("diverged", func(t *testing.T) {
		bad := m.Clone()
		bad.Params()["classifier.bias"].Data[0] = math.NaN()
		_, err := Fit(context.Background(), bad, blobs(t), Config{Epochs: 1, BatchSize: 8, LearningRate: 0.1}, nil)
		assert.ErrorIs(t, err, errs.ErrTrainingDiverged)
	})
}

// TestHistoryFinal tests the last-epoch accessor
func TestHistoryFinal(t *testing.T) {
	loss, acc := History{}.Final()
	assert.Zero(t, loss)
	assert.Zero(t, acc)

	loss, acc = History{Loss: []float64{2, 1}, Accuracy: []float64{0.5, 0.75}}.Final()
	assert.Equal(t, 1.0, loss)
	assert.Equal(t, 0.75, acc)
}
