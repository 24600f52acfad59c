package coordinator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

var x0 = []float64{0}

func probs(t *testing.T, m model.TrainableModel) []float64 {
	t.Helper()
	return model.Probabilities(m, x0)
}

// TestAggregatorPredict tests the three combination methods
func TestAggregatorPredict(t *testing.T) {
	a := NewAggregator()
	m0 := fixed(t, 2, 0)
	m1 := fixed(t, 1, 0)
	m2 := fixed(t, 0, 3)
	require.NoError(t, a.AddShard(0, m0, 1))
	require.NoError(t, a.AddShard(1, m1, 1))
	require.NoError(t, a.AddShard(2, m2, 2))

	p0, p1, p2 := probs(t, m0), probs(t, m1), probs(t, m2)

	t.Run("mean", func(t *testing.T) {
		got, err := a.Predict(x0, MethodMean)
		require.NoError(t, err)
		for c := range got {
			assert.InDelta(t, (p0[c]+p1[c]+p2[c])/3, got[c], 1e-12)
		}
	})

	t.Run("vote", func(t *testing.T) {
		got, err := a.Predict(x0, MethodVote)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 1}, got, "one vote per shard")
		class, err := a.PredictClass(x0, MethodVote)
		require.NoError(t, err)
		assert.Equal(t, 0, class)
	})

	t.Run("weighted", func(t *testing.T) {
		got, err := a.Predict(x0, MethodWeighted)
		require.NoError(t, err)
		for c := range got {
			assert.InDelta(t, 0.25*p0[c]+0.25*p1[c]+0.5*p2[c], got[c], 1e-12)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := a.Predict(x0, Method("median"))
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("wrong width", func(t *testing.T) {
		_, err := a.Predict([]float64{1, 2}, MethodMean)
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})
}

// TestAggregatorRemoveRenormalises tests weight renormalisation
func TestAggregatorRemoveRenormalises(t *testing.T) {
	a := NewAggregator()
	require.NoError(t, a.AddShard(0, fixed(t, 1, 0), 1))
	require.NoError(t, a.AddShard(1, fixed(t, 1, 0), 1))
	require.NoError(t, a.AddShard(2, fixed(t, 1, 0), 2))

	w := a.Weights()
	assert.InDelta(t, 0.25, w[0], 1e-12)
	assert.InDelta(t, 0.5, w[2], 1e-12)

	require.NoError(t, a.RemoveShard(2))
	w = a.Weights()
	require.Len(t, w, 2)
	assert.InDelta(t, 0.5, w[0], 1e-12)
	assert.InDelta(t, 0.5, w[1], 1e-12)

	var total float64
	for _, v := range w {
		total += v
	}
	assert.InDelta(t, 1, total, 1e-12)

	assert.ErrorIs(t, a.RemoveShard(2), errs.ErrNotFound)
	assert.Equal(t, []int{0, 1}, a.Shards())
}

// TestAggregatorUpdateShard tests the atomic swap
func TestAggregatorUpdateShard(t *testing.T) {
	a := NewAggregator()
	require.NoError(t, a.AddShard(0, fixed(t, 3, 0), 1))
	require.NoError(t, a.AddShard(1, fixed(t, 3, 0), 3))

	replacement := fixed(t, 0, 3)
	require.NoError(t, a.UpdateShard(0, replacement))
	assert.Same(t, replacement, a.Models()[0])
	assert.InDelta(t, 0.25, a.Weights()[0], 1e-12, "update keeps the weight")

	assert.ErrorIs(t, a.UpdateShard(9, replacement), errs.ErrNotFound)
	assert.ErrorIs(t, a.UpdateShard(0, nil), errs.ErrConfiguration)
	assert.ErrorIs(t, a.AddShard(0, replacement, 1), errs.ErrConfiguration)
	assert.ErrorIs(t, a.AddShard(5, replacement, 0), errs.ErrConfiguration)
}

// TestAggregatorPublish tests the publish hook semantics
func TestAggregatorPublish(t *testing.T) {
	a := NewAggregator()
	a.Publish(0, fixed(t, 1, 0))
	a.Publish(1, fixed(t, 1, 0))
	assert.True(t, a.Has(1))
	assert.InDelta(t, 0.5, a.Weights()[1], 1e-12)

	swapped := fixed(t, 0, 1)
	a.Publish(1, swapped)
	assert.Same(t, swapped, a.Models()[1])

	a.Publish(1, nil)
	assert.False(t, a.Has(1))
	assert.InDelta(t, 1, a.Weights()[0], 1e-12)

	a.Publish(7, nil) // withdrawing an unknown shard is harmless
}

// TestAggregatorEmpty tests prediction with no shards
func TestAggregatorEmpty(t *testing.T) {
	a := NewAggregator()
	_, err := a.Predict(x0, MethodMean)
	assert.ErrorIs(t, err, errs.ErrEmptyAggregator)
	_, err = a.PredictClass(x0, MethodWeighted)
	assert.ErrorIs(t, err, errs.ErrEmptyAggregator)
}

// TestShardPredictions tests the per-shard views
func TestShardPredictions(t *testing.T) {
	a := NewAggregator()
	require.NoError(t, a.AddShard(3, fixed(t, 0, 0), 1))
	require.NoError(t, a.AddShard(4, fixed(t, math.Log(3), 0), 1))

	preds, err := a.ShardPredictions(x0)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, preds[3], 1e-12)
	assert.InDeltaSlice(t, []float64{0.75, 0.25}, preds[4], 1e-12)

	conf, err := a.ShardConfidences(x0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, conf[3], 1e-12)
	assert.InDelta(t, 0.75, conf[4], 1e-12)

	_, err = a.ShardPredictions([]float64{0, 1})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = a.ShardConfidences(nil)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

// TestAggregatorRejectsMismatchedModels tests that served models must agree
// on input width and class count
func TestAggregatorRejectsMismatchedModels(t *testing.T) {
	a := NewAggregator()
	require.NoError(t, a.AddShard(0, fixed(t, 1, 0), 1))

	err := a.AddShard(1, fixed(t, 1, 0, 0), 1)
	assert.ErrorIs(t, err, errs.ErrConfiguration, "three classes next to two")

	wide, err := model.NewMLP(model.Architecture{InputDim: 2, NumClasses: 2}, 1)
	require.NoError(t, err)
	err = a.AddShard(1, wide, 1)
	assert.ErrorIs(t, err, errs.ErrConfiguration, "two features next to one")
	assert.Equal(t, []int{0}, a.Shards())

	require.NoError(t, a.AddShard(1, fixed(t, 0, 1), 1))
	assert.ErrorIs(t, a.UpdateShard(1, fixed(t, 0, 1, 0)), errs.ErrConfiguration)

	a2 := NewAggregator()
	require.NoError(t, a2.AddShard(0, fixed(t, 1, 0), 1))
	require.NoError(t, a2.UpdateShard(0, fixed(t, 1, 0, 0)), "a lone shard may change shape")
}

// TestParseMethod tests method validation
func TestParseMethod(t *testing.T) {
	for _, s := range []string{"mean", "vote", "weighted"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}
	_, err := ParseMethod("max")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}
