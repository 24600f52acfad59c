// Package unlearn removes the influence of a set of training samples from a
// trained model by constrained gradient ascent.
//
// Each step minimises
//
//	alpha * KL(uniform || p(.|x_forget))
//	  + beta  * CE(p(.|x_retain), y_retain)
//	  + gamma * sum F * (theta - theta0)^2
//
// pushing forgotten samples towards chance while the retain loss and the
// Fisher-weighted penalty hold the rest of the model in place. theta0 is a
// copy of the parameters taken when the run starts.
package unlearn

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/importance"
	"github.com/dreamware/amnesia/internal/metrics"
	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/verify"
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("amnesia/unlearn")
	})
	return tracer
}

// Phase is the engine's position in a run.
type Phase string

const (
	PhaseInitialized    Phase = "initialized"
	PhaseFisherComputed Phase = "fisher_computed"
	PhaseTraining       Phase = "training"
	PhaseVerified       Phase = "verified"
	PhaseDone           Phase = "done"
)

// Status is the terminal outcome of a run.
type Status string

const (
	// StatusCompleted means training and verification ran.
	StatusCompleted Status = "completed"
	// StatusSkipped means the forget set was empty; the model is unchanged.
	StatusSkipped Status = "skipped"
)

// History records per-epoch mean losses.
type History struct {
	ForgetLoss  []float64 `json:"forget_loss"`
	RetainLoss  []float64 `json:"retain_loss"`
	PenaltyLoss []float64 `json:"penalty_loss"`
	TotalLoss   []float64 `json:"total_loss"`
}

// Result is the outcome of one run.
type Result struct {
	RunID                  string        `json:"run_id"`
	Status                 Status        `json:"status"`
	ForgetSize             int           `json:"forget_size"`
	RetainSize             int           `json:"retain_size"`
	History                History       `json:"history"`
	Verification           verify.Result `json:"verification"`
	ForgetConfidenceBefore float64       `json:"forget_confidence_before"`
	ForgetConfidenceAfter  float64       `json:"forget_confidence_after"`
	Phases                 []Phase       `json:"phases"`
	Duration               time.Duration `json:"duration"`
	Config                 Config        `json:"config"`
}

// Err explains a run that left the model untouched: errs.ErrEmptyForgetSet
// for a skipped run, nil otherwise.
func (r Result) Err() error {
	if r.Status == StatusSkipped {
		return errs.ErrEmptyForgetSet
	}
	return nil
}

// Engine runs one unlearning pass over a model it edits in place. Callers
// that need the original must pass a clone.
type Engine struct {
	model  model.TrainableModel
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	phase  Phase
	phases []Phase
}

// NewEngine validates cfg and prepares a run on m.
func NewEngine(m model.TrainableModel, cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		model:  m,
		cfg:    cfg,
		logger: logger,
		phase:  PhaseInitialized,
		phases: []Phase{PhaseInitialized},
	}, nil
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) advance(p Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = p
	e.phases = append(e.phases, p)
}

func (e *Engine) trail() []Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Phase(nil), e.phases...)
}

// Unlearn runs the full pipeline: Fisher estimate (if enabled), training
// epochs, then verification. An engine runs once.
//
// An empty forget set returns a StatusSkipped result and no error.
// Cancellation is checked between epochs.
func (e *Engine) Unlearn(ctx context.Context, forget, retain dataset.Dataset, opts ...verify.Option) (res Result, err error) {
	if p := e.Phase(); p != PhaseInitialized {
		return Result{}, fmt.Errorf("%w: engine already ran (phase %s)", errs.ErrConfiguration, p)
	}
	start := time.Now()
	res = Result{
		RunID:      uuid.NewString(),
		ForgetSize: forget.Len(),
		RetainSize: retain.Len(),
		Config:     e.cfg,
	}

	ctx, span := getTracer().Start(ctx, "unlearn.Engine.Unlearn",
		trace.WithAttributes(
			attribute.String("run_id", res.RunID),
			attribute.Int("forget_size", res.ForgetSize),
			attribute.Int("retain_size", res.RetainSize),
			attribute.Int("epochs", e.cfg.Epochs),
		))
	defer func() {
		res.Duration = time.Since(start)
		res.Phases = e.trail()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unlearning failed")
			metrics.UnlearnRunsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.UnlearnRunsTotal.WithLabelValues(string(res.Status)).Inc()
			metrics.UnlearnDuration.Observe(res.Duration.Seconds())
		}
		span.End()
	}()

	logger := e.logger.With(zap.String("run_id", res.RunID))
	if forget.Len() == 0 {
		logger.Info("forget set is empty, skipping unlearning")
		res.Status = StatusSkipped
		e.advance(PhaseDone)
		return res, nil
	}

	opts = append([]verify.Option{verify.WithLogger(logger)}, opts...)
	forgetSamples, err := dataset.All(forget)
	if err != nil {
		return res, err
	}
	retainSamples, err := dataset.All(retain)
	if err != nil {
		return res, err
	}

	res.ForgetConfidenceBefore, err = verify.MeanConfidence(ctx, e.model, forget)
	if err != nil {
		return res, err
	}

	logger.Info("starting unlearning",
		zap.Float64("alpha", e.cfg.Alpha),
		zap.Float64("beta", e.cfg.Beta),
		zap.Float64("gamma", e.cfg.Gamma),
		zap.Int("epochs", e.cfg.Epochs),
		zap.Int("forget", len(forgetSamples)),
		zap.Int("retain", len(retainSamples)),
		zap.Float64("forget_confidence_before", res.ForgetConfidenceBefore))

	theta0 := e.model.Params().Clone()
	var fisher importance.Diagonal
	if e.cfg.UseImportance {
		est := importance.NewEstimator(e.cfg.FisherSamples, e.cfg.Seed, logger)
		fisher, err = est.Estimate(ctx, e.model, retain)
		if err != nil {
			return res, err
		}
		e.advance(PhaseFisherComputed)
		span.AddEvent("fisher_computed")
	}

	e.advance(PhaseTraining)
	res.History, err = e.train(ctx, logger, forgetSamples, retainSamples, theta0, fisher)
	if err != nil {
		return res, err
	}

	res.Verification, err = verify.Evaluate(ctx, e.model, forget, retain, e.cfg.Criteria(), opts...)
	if err != nil {
		return res, err
	}
	e.advance(PhaseVerified)
	res.ForgetConfidenceAfter = res.Verification.ForgetMeanConfidence
	res.Status = StatusCompleted
	e.advance(PhaseDone)

	span.SetAttributes(
		attribute.Float64("forget_confidence_before", res.ForgetConfidenceBefore),
		attribute.Float64("forget_confidence_after", res.ForgetConfidenceAfter),
		attribute.Bool("verified", res.Verification.Success),
	)
	logger.Info("unlearning complete",
		zap.Float64("forget_confidence_before", res.ForgetConfidenceBefore),
		zap.Float64("forget_confidence_after", res.ForgetConfidenceAfter),
		zap.Float64("retain_accuracy", res.Verification.RetainAccuracy),
		zap.Bool("verified", res.Verification.Success))
	return res, nil
}

func (e *Engine) train(ctx context.Context, logger *zap.Logger, forget, retain []dataset.Sample, theta0 model.Params, fisher importance.Diagonal) (History, error) {
	cfg := e.cfg
	m := e.model
	rng := rand.New(rand.NewSource(cfg.Seed))
	opt := model.NewSGD(cfg.LearningRate, cfg.Momentum)
	grads := m.Params().ZerosLike()

	var retainBatches [][]int
	next := 0
	nextRetain := func() []int {
		if len(retain) == 0 {
			return nil
		}
		if next >= len(retainBatches) {
			retainBatches = dataset.Batches(len(retain), cfg.BatchSize, rng)
			next = 0
		}
		b := retainBatches[next]
		next++
		return b
	}

	var hist History
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		var sumForget, sumRetain, sumPenalty float64
		batches := 0
		for _, fb := range dataset.Batches(len(forget), cfg.BatchSize, rng) {
			grads.Zero()

			var lf float64
			scale := cfg.Alpha / float64(len(fb))
			for _, pos := range fb {
				s := forget[pos]
				loss, g := model.KLToUniform(m.Logits(s.Input))
				lf += loss
				for i := range g {
					g[i] *= scale
				}
				m.Backward(s.Input, g, grads)
			}
			lf /= float64(len(fb))

			var lr float64
			if rb := nextRetain(); len(rb) > 0 {
				scale := cfg.Beta / float64(len(rb))
				for _, pos := range rb {
					s := retain[pos]
					loss, g := model.CrossEntropy(m.Logits(s.Input), s.Label)
					lr += loss
					for i := range g {
						g[i] *= scale
					}
					m.Backward(s.Input, g, grads)
				}
				lr /= float64(len(rb))
			}

			var lp float64
			if fisher != nil {
				lp = fisher.Penalty(m.Params(), theta0, cfg.Gamma, grads)
			}

			total := cfg.Alpha*lf + cfg.Beta*lr + cfg.Gamma*lp
			if math.IsNaN(total) || math.IsInf(total, 0) {
				return hist, fmt.Errorf("%w: epoch %d loss is %v", errs.ErrTrainingDiverged, epoch+1, total)
			}
			model.ClipGradNorm(grads, cfg.GradientClipNorm)
			opt.Step(m.Params(), grads)

			sumForget += lf
			sumRetain += lr
			sumPenalty += lp
			batches++
		}

		n := float64(batches)
		hist.ForgetLoss = append(hist.ForgetLoss, sumForget/n)
		hist.RetainLoss = append(hist.RetainLoss, sumRetain/n)
		hist.PenaltyLoss = append(hist.PenaltyLoss, sumPenalty/n)
		hist.TotalLoss = append(hist.TotalLoss, cfg.Alpha*sumForget/n+cfg.Beta*sumRetain/n+cfg.Gamma*sumPenalty/n)

		if epoch == 0 || (cfg.LogEvery > 0 && (epoch+1)%cfg.LogEvery == 0) {
			logger.Debug("unlearning epoch",
				zap.Int("epoch", epoch+1),
				zap.Int("epochs", cfg.Epochs),
				zap.Float64("forget_loss", hist.ForgetLoss[epoch]),
				zap.Float64("retain_loss", hist.RetainLoss[epoch]),
				zap.Float64("penalty", hist.PenaltyLoss[epoch]))
		}
	}
	if !m.Params().IsFinite() {
		return hist, fmt.Errorf("%w: non-finite parameters after unlearning", errs.ErrTrainingDiverged)
	}
	return hist, nil
}
