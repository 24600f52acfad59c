package verify

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

// linearModel returns a 1-feature, 2-class linear model with logits
// (scale*x, -scale*x).
func linearModel(t *testing.T, scale float64) model.TrainableModel {
	t.Helper()
	m, err := model.NewMLP(model.Architecture{InputDim: 1, NumClasses: 2}, 1)
	require.NoError(t, err)
	m.Params().Zero()
	m.Params()["classifier.weight"].Data[0] = scale
	m.Params()["classifier.weight"].Data[1] = -scale
	return m
}

// constant builds n samples with input x and label y.
func constant(t *testing.T, n int, x float64, y int) dataset.Dataset {
	t.Helper()
	inputs := make([][]float64, n)
	labels := make([]int, n)
	for i := range inputs {
		inputs[i] = []float64{x + 0.01*float64(i)}
		labels[i] = y
	}
	ds, err := dataset.NewInMemory(inputs, labels)
	require.NoError(t, err)
	return ds
}

// TestEvaluateGating tests the success rule on both sides of the threshold
func TestEvaluateGating(t *testing.T) {
	forget := constant(t, 10, 1, 0)
	retain := constant(t, 10, -1, 1)

	t.Run("uninformative model passes", func(t *testing.T) {
		res, err := Evaluate(context.Background(), linearModel(t, 0), forget, retain,
			Criteria{ConfidenceThreshold: 0.9, MinRetainAccuracy: 0, Significance: 0.05})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, res.ForgetMeanConfidence, 1e-12)
		assert.True(t, res.Success)
		assert.Zero(t, res.Forget.MembershipRatio)
	})

	t.Run("confident model fails without error", func(t *testing.T) {
		res, err := Evaluate(context.Background(), linearModel(t, 10), forget, retain, DefaultCriteria())
		require.NoError(t, err)
		assert.Greater(t, res.ForgetMeanConfidence, 0.99)
		assert.Equal(t, 1.0, res.RetainAccuracy)
		assert.False(t, res.Success)
		assert.Equal(t, 1.0, res.Forget.MembershipRatio)
		assert.Equal(t, 1.0, res.Forget.Accuracy)
	})

	t.Run("retain floor is inclusive", func(t *testing.T) {
		res, err := Evaluate(context.Background(), linearModel(t, 0.1), constant(t, 4, 0.5, 1), retain,
			Criteria{ConfidenceThreshold: 0.6, MinRetainAccuracy: 1, Significance: 0.05})
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.RetainAccuracy)
		assert.True(t, res.Success)
	})

	t.Run("empty forget set skips tests", func(t *testing.T) {
		empty := dataset.Subset(forget, nil)
		res, err := Evaluate(context.Background(), linearModel(t, 10), empty, retain, DefaultCriteria())
		require.NoError(t, err)
		assert.Zero(t, res.ForgetMeanConfidence)
		out, ok := res.Test(TestForgetVsRandom)
		require.True(t, ok)
		assert.True(t, out.Skipped)
		assert.True(t, res.Success)
	})

	t.Run("invalid criteria", func(t *testing.T) {
		_, err := Evaluate(context.Background(), linearModel(t, 1), forget, retain, Criteria{})
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})
}

// TestEvaluateStrict tests that strict mode also requires the statistical tests
func TestEvaluateStrict(t *testing.T) {
	// Class-0 confidence around 0.55: below the threshold but clearly
	// distinguishable from chance.
	forget := constant(t, 30, 1, 0)
	retain := constant(t, 30, -1, 1)
	m := linearModel(t, 0.1)

	loose := Criteria{ConfidenceThreshold: 0.6, MinRetainAccuracy: 0.5, Significance: 0.05}
	res, err := Evaluate(context.Background(), m, forget, retain, loose)
	require.NoError(t, err)
	assert.True(t, res.Success)
	out, ok := res.Test(TestForgetVsRandom)
	require.True(t, ok)
	assert.False(t, out.Passed)

	strict := loose
	strict.Strict = true
	res, err = Evaluate(context.Background(), m, forget, retain, strict)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

// TestEvaluateHeldOut tests the two-sample comparisons
func TestEvaluateHeldOut(t *testing.T) {
	forget := constant(t, 20, 1, 0)
	retain := constant(t, 20, -1, 1)
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	res, err := Evaluate(context.Background(), linearModel(t, 10), forget, retain, DefaultCriteria(),
		WithHeldOut(constant(t, 20, -1, 0)), WithClock(clock))
	require.NoError(t, err)
	require.NotNil(t, res.HeldOut)
	assert.Equal(t, clock().UTC(), res.EvaluatedAt)

	mw, ok := res.Test(TestForgetVsHeldOut)
	require.True(t, ok)
	assert.False(t, mw.Passed, "memorised samples must differ from never-seen ones")
	ks, ok := res.Test(TestKSVsHeldOut)
	require.True(t, ok)
	assert.InDelta(t, 1.0, ks.Statistic, 1e-12)
	assert.False(t, ks.Passed)
}

// TestCompare tests before/after deltas
func TestCompare(t *testing.T) {
	forget := constant(t, 10, 1, 0)
	retain := constant(t, 10, -1, 1)
	before, err := Evaluate(context.Background(), linearModel(t, 10), forget, retain, DefaultCriteria())
	require.NoError(t, err)
	after, err := Evaluate(context.Background(), linearModel(t, 0), forget, retain, DefaultCriteria())
	require.NoError(t, err)

	c := Compare(before, after)
	assert.InDelta(t, before.ForgetMeanConfidence-0.5, c.ConfidenceDrop, 1e-12)
	assert.Equal(t, 1.0, c.MembershipDrop)
	assert.True(t, c.Effective)
}

// TestStatistics tests the test statistics against reference values
func TestStatistics(t *testing.T) {
	t.Run("one sample t", func(t *testing.T) {
		tstat, p := oneSampleT([]float64{1, 2, 3, 4, 5}, 0)
		assert.InDelta(t, 4.2426, tstat, 1e-4)
		assert.InDelta(t, 0.01324, p, 1e-3)

		tstat, p = oneSampleT([]float64{1, 2, 3, 4, 5}, 3)
		assert.Zero(t, tstat)
		assert.InDelta(t, 1, p, 1e-12)

		tstat, p = oneSampleT([]float64{2, 2, 2}, 1)
		assert.Equal(t, math.MaxFloat64, tstat)
		assert.Zero(t, p)
	})

	t.Run("mann whitney", func(t *testing.T) {
		u, p := mannWhitneyU([]float64{1, 2, 3}, []float64{4, 5, 6})
		assert.Zero(t, u)
		assert.InDelta(t, 0.0809, p, 2e-3)

		_, p = mannWhitneyU([]float64{1, 1, 1}, []float64{1, 1, 1})
		assert.Equal(t, 1.0, p)
	})

	t.Run("kolmogorov smirnov", func(t *testing.T) {
		d, p := ksTwoSample([]float64{3, 1, 2}, []float64{4, 5, 6})
		assert.Equal(t, 1.0, d)
		assert.Less(t, p, 0.1)

		d, p = ksTwoSample([]float64{1, 2, 3}, []float64{1, 2, 3})
		assert.Zero(t, d)
		assert.Equal(t, 1.0, p)
	})
}

// TestConfidences tests the per-sample helper
func TestConfidences(t *testing.T) {
	conf, err := Confidences(context.Background(), linearModel(t, 0), constant(t, 3, 0, 1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5}, conf, 1e-12)

	mean, err := MeanConfidence(context.Background(), linearModel(t, 0), dataset.Subset(constant(t, 1, 0, 0), nil))
	require.NoError(t, err)
	assert.Zero(t, mean)
}
