// Package verify decides whether a model has forgotten a set of samples.
//
// The evidence is the model's confidence in the true label. A forgotten
// sample should be predicted no better than chance, while retained samples
// keep their accuracy. Evaluate measures both sets, runs the statistical
// tests and returns a Result. A model that does not meet the criteria is a
// Result with Success false, never an error.
package verify

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("amnesia/verify")
	})
	return tracer
}

// Test names reported in Result.Tests.
const (
	TestForgetVsRandom  = "forget_vs_random_t_test"
	TestRetainVsRandom  = "retain_vs_random_t_test"
	TestForgetVsHeldOut = "forget_vs_held_out_mann_whitney"
	TestKSVsHeldOut     = "forget_vs_held_out_ks"
)

// Criteria are the thresholds a verification is judged against.
type Criteria struct {
	// ConfidenceThreshold is the exclusive upper bound on mean forget-set
	// confidence.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// MinRetainAccuracy is the inclusive lower bound on retain accuracy.
	MinRetainAccuracy float64 `json:"min_retain_accuracy" yaml:"min_retain_accuracy"`
	// Significance is the p-value cut-off of the statistical tests.
	Significance float64 `json:"significance" yaml:"significance"`
	// Strict additionally requires every statistical test that ran to pass.
	Strict bool `json:"strict" yaml:"strict"`
}

// DefaultCriteria returns threshold 0.6, retain floor 0.85, alpha 0.05.
func DefaultCriteria() Criteria {
	return Criteria{ConfidenceThreshold: 0.6, MinRetainAccuracy: 0.85, Significance: 0.05}
}

// Validate checks every bound lies in its valid range.
func (c Criteria) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be in (0, 1], got %g", errs.ErrConfiguration, c.ConfidenceThreshold)
	}
	if c.MinRetainAccuracy < 0 || c.MinRetainAccuracy > 1 {
		return fmt.Errorf("%w: min_retain_accuracy must be in [0, 1], got %g", errs.ErrConfiguration, c.MinRetainAccuracy)
	}
	if c.Significance <= 0 || c.Significance >= 1 {
		return fmt.Errorf("%w: significance must be in (0, 1), got %g", errs.ErrConfiguration, c.Significance)
	}
	return nil
}

// TestOutcome is the result of one statistical test.
type TestOutcome struct {
	Name      string  `json:"name"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	Passed    bool    `json:"passed"`
	Skipped   bool    `json:"skipped,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// SetStats summarises a model's behaviour on one sample set.
type SetStats struct {
	N               int     `json:"n"`
	MeanConfidence  float64 `json:"mean_confidence"`
	StdConfidence   float64 `json:"std_confidence"`
	MinConfidence   float64 `json:"min_confidence"`
	MaxConfidence   float64 `json:"max_confidence"`
	Accuracy        float64 `json:"accuracy"`
	MembershipRatio float64 `json:"membership_ratio"`

	confidences []float64
}

// Result is produced once per verification and never mutated.
type Result struct {
	ForgetMeanConfidence float64       `json:"forget_mean_confidence"`
	RetainAccuracy       float64       `json:"retain_accuracy"`
	Tests                []TestOutcome `json:"tests"`
	Success              bool          `json:"success"`

	Forget      SetStats  `json:"forget"`
	Retain      SetStats  `json:"retain"`
	HeldOut     *SetStats `json:"held_out,omitempty"`
	NumClasses  int       `json:"num_classes"`
	Criteria    Criteria  `json:"criteria"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Test returns the named outcome.
func (r Result) Test(name string) (TestOutcome, bool) {
	for _, t := range r.Tests {
		if t.Name == name {
			return t, true
		}
	}
	return TestOutcome{}, false
}

type options struct {
	heldOut dataset.Dataset
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures Evaluate.
type Option func(*options)

// WithHeldOut supplies never-trained samples for the two-sample tests.
func WithHeldOut(ds dataset.Dataset) Option {
	return func(o *options) { o.heldOut = ds }
}

// WithLogger logs the outcome.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now for EvaluatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Evaluate measures m on forget and retain and judges the result against c.
func Evaluate(ctx context.Context, m model.TrainableModel, forget, retain dataset.Dataset, c Criteria, opts ...Option) (Result, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	ctx, span := getTracer().Start(ctx, "verify.Evaluate",
		trace.WithAttributes(
			attribute.Int("forget_size", forget.Len()),
			attribute.Int("retain_size", retain.Len()),
		))
	defer span.End()

	numClasses := m.Architecture().NumClasses
	fs, err := measure(ctx, m, forget, c.ConfidenceThreshold)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "measure forget set")
		return Result{}, err
	}
	rs, err := measure(ctx, m, retain, c.ConfidenceThreshold)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "measure retain set")
		return Result{}, err
	}

	res := Result{
		ForgetMeanConfidence: fs.MeanConfidence,
		RetainAccuracy:       rs.Accuracy,
		Forget:               fs,
		Retain:               rs,
		NumClasses:           numClasses,
		Criteria:             c,
		EvaluatedAt:          o.now().UTC(),
	}

	baseline := 1 / float64(numClasses)
	res.Tests = append(res.Tests, randomTest(TestForgetVsRandom, fs.confidences, baseline, c.Significance, true))
	res.Tests = append(res.Tests, randomTest(TestRetainVsRandom, rs.confidences, baseline, c.Significance, false))

	if o.heldOut != nil {
		hs, err := measure(ctx, m, o.heldOut, c.ConfidenceThreshold)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "measure held-out set")
			return Result{}, err
		}
		res.HeldOut = &hs
		res.Tests = append(res.Tests, heldOutTests(fs.confidences, hs.confidences, c.Significance)...)
	}

	res.Success = fs.MeanConfidence < c.ConfidenceThreshold && rs.Accuracy >= c.MinRetainAccuracy
	if c.Strict {
		for _, t := range res.Tests {
			if !t.Skipped && !t.Passed {
				res.Success = false
			}
		}
	}

	span.SetAttributes(
		attribute.Float64("forget_mean_confidence", res.ForgetMeanConfidence),
		attribute.Float64("retain_accuracy", res.RetainAccuracy),
		attribute.Bool("success", res.Success),
	)
	o.logger.Info("verification complete",
		zap.Float64("forget_mean_confidence", res.ForgetMeanConfidence),
		zap.Float64("threshold", c.ConfidenceThreshold),
		zap.Float64("retain_accuracy", res.RetainAccuracy),
		zap.Float64("min_retain_accuracy", c.MinRetainAccuracy),
		zap.Bool("success", res.Success))
	return res, nil
}

// Confidences returns the probability m assigns to the true label of every
// sample in ds.
func Confidences(ctx context.Context, m model.TrainableModel, ds dataset.Dataset) ([]float64, error) {
	s, err := measure(ctx, m, ds, math.Inf(1))
	if err != nil {
		return nil, err
	}
	return s.confidences, nil
}

// MeanConfidence is the mean true-label confidence of m on ds, or 0 when ds
// is empty.
func MeanConfidence(ctx context.Context, m model.TrainableModel, ds dataset.Dataset) (float64, error) {
	s, err := measure(ctx, m, ds, math.Inf(1))
	if err != nil {
		return 0, err
	}
	return s.MeanConfidence, nil
}

func measure(ctx context.Context, m model.TrainableModel, ds dataset.Dataset, threshold float64) (SetStats, error) {
	n := ds.Len()
	s := SetStats{N: n, confidences: make([]float64, n)}
	if n == 0 {
		return s, nil
	}
	correct, members := 0, 0
	for i := 0; i < n; i++ {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return SetStats{}, err
			}
		}
		sample, err := ds.Sample(i)
		if err != nil {
			return SetStats{}, err
		}
		logits := m.Logits(sample.Input)
		conf := model.Softmax(logits)[sample.Label]
		s.confidences[i] = conf
		if model.Argmax(logits) == sample.Label {
			correct++
		}
		if conf > threshold {
			members++
		}
	}
	s.MeanConfidence = stat.Mean(s.confidences, nil)
	s.StdConfidence = stat.PopStdDev(s.confidences, nil)
	s.MinConfidence = floats.Min(s.confidences)
	s.MaxConfidence = floats.Max(s.confidences)
	s.Accuracy = float64(correct) / float64(n)
	s.MembershipRatio = float64(members) / float64(n)
	return s, nil
}

// randomTest compares confidences against chance. For the forget set the
// test passes when chance cannot be rejected; for the retain set it passes
// when confidence is significantly above chance.
func randomTest(name string, xs []float64, baseline, alpha float64, wantRandom bool) TestOutcome {
	if len(xs) < 2 {
		return TestOutcome{Name: name, Skipped: true, Reason: "fewer than two samples"}
	}
	t, p := oneSampleT(xs, baseline)
	out := TestOutcome{Name: name, Statistic: t, PValue: p}
	if wantRandom {
		out.Passed = p > alpha
	} else {
		out.Passed = p <= alpha && t > 0
	}
	return out
}

func heldOutTests(forget, heldOut []float64, alpha float64) []TestOutcome {
	if len(forget) == 0 || len(heldOut) == 0 {
		reason := "empty forget or held-out set"
		return []TestOutcome{
			{Name: TestForgetVsHeldOut, Skipped: true, Reason: reason},
			{Name: TestKSVsHeldOut, Skipped: true, Reason: reason},
		}
	}
	u, pu := mannWhitneyU(forget, heldOut)
	d, pd := ksTwoSample(forget, heldOut)
	return []TestOutcome{
		{Name: TestForgetVsHeldOut, Statistic: u, PValue: pu, Passed: pu > alpha},
		{Name: TestKSVsHeldOut, Statistic: d, PValue: pd, Passed: pd > alpha},
	}
}

// Comparison is the change between two verifications of the same sets.
type Comparison struct {
	ConfidenceDrop     float64 `json:"confidence_drop"`
	ForgetAccuracyDrop float64 `json:"forget_accuracy_drop"`
	RetainAccuracyDrop float64 `json:"retain_accuracy_drop"`
	MembershipDrop     float64 `json:"membership_drop"`
	Effective          bool    `json:"effective"`
}

// Compare reports how much after improved on before. Effective means the
// after forget confidence is below the after threshold.
func Compare(before, after Result) Comparison {
	return Comparison{
		ConfidenceDrop:     before.Forget.MeanConfidence - after.Forget.MeanConfidence,
		ForgetAccuracyDrop: before.Forget.Accuracy - after.Forget.Accuracy,
		RetainAccuracyDrop: before.Retain.Accuracy - after.Retain.Accuracy,
		MembershipDrop:     before.Forget.MembershipRatio - after.Forget.MembershipRatio,
		Effective:          after.Forget.MeanConfidence < after.Criteria.ConfidenceThreshold,
	}
}
