package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/amnesia/internal/compliance"
	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/metrics"
	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/shard"
	"github.com/dreamware/amnesia/internal/unlearn"
	"github.com/dreamware/amnesia/internal/verify"
)

// Strategy selects how an erasure edits the affected shards.
type Strategy string

const (
	// StrategyRetrain trains each affected shard from scratch without the
	// erased records. Exact, and as slow as one shard training.
	StrategyRetrain Strategy = "retrain"
	// StrategyUnlearn edits each affected shard's model by gradient ascent
	// on the erased records.
	StrategyUnlearn Strategy = "unlearn"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRetrain, StrategyUnlearn:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown erasure strategy %q", errs.ErrConfiguration, s)
}

// Shard outcome values.
const (
	OutcomeRetrained = "retrained"
	OutcomeUnlearned = "unlearned"
	OutcomeEmptied   = "emptied"
	OutcomeSkipped   = "skipped"
)

// ShardOutcome reports what an erasure did to one shard.
type ShardOutcome struct {
	ShardIndex   int            `json:"shard_index"`
	Outcome      string         `json:"outcome"`
	Erased       int            `json:"erased"`
	Remaining    int            `json:"remaining"`
	RunID        string         `json:"run_id,omitempty"`
	Verification *verify.Result `json:"verification,omitempty"`
}

// ErasureReport is the outcome of one Erase call.
type ErasureReport struct {
	Strategy               Strategy           `json:"strategy"`
	Requested              []string           `json:"requested"`
	Erased                 []string           `json:"erased"`
	NotFound               []string           `json:"not_found,omitempty"`
	RolledBack             []string           `json:"rolled_back,omitempty"`
	Shards                 []ShardOutcome     `json:"shards"`
	ForgetConfidenceBefore float64            `json:"forget_confidence_before"`
	Verification           verify.Result      `json:"verification"`
	Record                 *compliance.Record `json:"record,omitempty"`
	Duration               time.Duration      `json:"duration"`
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	SubjectModelID string         `yaml:"subject_model_id"`
	Issuer         string         `yaml:"issuer"`
	Method         Method         `yaml:"method"`
	Parallelism    int            `yaml:"parallelism"` // Concurrent shard edits; <= 0 means unbounded
	Unlearn        unlearn.Config `yaml:"unlearn"`
}

// Validate checks the subject, method and unlearning settings.
func (c PipelineConfig) Validate() error {
	if c.SubjectModelID == "" {
		return fmt.Errorf("%w: subject_model_id is required", errs.ErrConfiguration)
	}
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	return c.Unlearn.Validate()
}

// Pipeline is the erasure control flow: it owns the lifecycle manager, the
// serving aggregator and the compliance ledger, and runs
//
//	remove from index -> retrain or unlearn -> publish -> verify -> record
//
// for every erasure request. One Pipeline is built per process.
type Pipeline struct {
	manager    *Manager
	aggregator *Aggregator
	ledger     *compliance.Ledger
	cfg        PipelineConfig
	logger     *zap.Logger
	now        func() time.Time

	eraseMu sync.Mutex // Serialises erasures so index removal and shard edits do not interleave
}

// NewPipeline wires manager to aggregator. ledger may be nil, in which case
// records are produced but not persisted.
func NewPipeline(manager *Manager, aggregator *Aggregator, ledger *compliance.Ledger, cfg PipelineConfig, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if manager == nil || aggregator == nil {
		return nil, fmt.Errorf("%w: manager and aggregator are required", errs.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	manager.OnPublish(aggregator.Publish)
	return &Pipeline{
		manager:    manager,
		aggregator: aggregator,
		ledger:     ledger,
		cfg:        cfg,
		logger:     logger,
		now:        manager.now,
	}, nil
}

// Manager returns the lifecycle manager.
func (p *Pipeline) Manager() *Manager { return p.manager }

// Aggregator returns the serving aggregator.
func (p *Pipeline) Aggregator() *Aggregator { return p.aggregator }

// Train partitions ds and trains every shard; the models start serving as
// they finish.
func (p *Pipeline) Train(ctx context.Context, ds dataset.Dataset, ids []string) ([]TrainSummary, error) {
	return p.manager.TrainAll(ctx, ds, ids)
}

// Restore reloads the persisted index and models.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	return p.manager.Restore(ctx)
}

// Predict returns the ensemble's class distribution for x.
func (p *Pipeline) Predict(x []float64) ([]float64, error) {
	return p.aggregator.Predict(x, p.cfg.Method)
}

// NewMonitor returns a shard monitor that withdraws unhealthy shards from
// serving. The caller starts and stops it.
func (p *Pipeline) NewMonitor(interval time.Duration) *ShardMonitor {
	mon := NewShardMonitor(interval, p.logger)
	mon.SetOnUnhealthy(func(shardIndex int) {
		if err := p.aggregator.RemoveShard(shardIndex); err != nil {
			p.logger.Debug("unhealthy shard already withdrawn", zap.Int("shard", shardIndex))
			return
		}
		p.logger.Warn("withdrew unhealthy shard from serving", zap.Int("shard", shardIndex))
	})
	return mon
}

// Erase removes ids from the index, edits every affected shard with
// strategy, verifies the result and, when verification passes, issues a
// compliance record.
//
// Unknown ids are reported in NotFound; if none of the ids is known Erase
// fails with errs.ErrNotFound. Verification failing is not an error: the
// report carries Success false and no record.
//
// When a shard edit fails, that shard's records are put back into the index
// and listed in RolledBack, so a later Erase can retry them.
func (p *Pipeline) Erase(ctx context.Context, ds dataset.Dataset, ids []string, strategy Strategy) (report ErasureReport, err error) {
	p.eraseMu.Lock()
	defer p.eraseMu.Unlock()

	start := time.Now()
	report = ErasureReport{Strategy: strategy, Requested: append([]string(nil), ids...)}
	ctx, span := getTracer().Start(ctx, "coordinator.Pipeline.Erase",
		trace.WithAttributes(
			attribute.String("strategy", string(strategy)),
			attribute.Int("requested", len(ids)),
		))
	defer func() {
		report.Duration = time.Since(start)
		result := "error"
		switch {
		case err == nil && report.Verification.Success:
			result = "verified"
		case err == nil:
			result = "unverified"
		case errors.Is(err, errs.ErrNotFound):
			result = "not_found"
		}
		metrics.ErasuresTotal.WithLabelValues(string(strategy), result).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "erasure failed")
		}
		span.End()
	}()

	if _, err := ParseStrategy(string(strategy)); err != nil {
		return report, err
	}
	idx, err := p.manager.Index()
	if err != nil {
		return report, err
	}

	groups, missing := idx.GroupByShard(ids)
	report.NotFound = missing
	if len(groups) == 0 {
		return report, fmt.Errorf("%w: none of %d data ids is indexed", errs.ErrNotFound, len(ids))
	}

	forget := make(map[int][]int, len(groups))
	mappings := make(map[int][]shard.Mapping, len(groups))
	for shardIndex, shardIDs := range groups {
		for _, id := range shardIDs {
			rec, err := idx.Record(id)
			if err != nil {
				return report, err
			}
			forget[shardIndex] = append(forget[shardIndex], rec.DataIndex)
			mappings[shardIndex] = append(mappings[shardIndex], rec)
		}
	}

	report.ForgetConfidenceBefore, err = p.confidenceBefore(ctx, ds, forget)
	if err != nil {
		return report, err
	}

	var found []string
	for _, shardIDs := range groups {
		found = append(found, shardIDs...)
	}
	sort.Strings(found)
	removed, raced, err := p.manager.RemoveRecords(found)
	if err != nil {
		return report, err
	}
	report.NotFound = append(report.NotFound, raced...)
	report.Erased = erasedIDs(found, raced)

	logger := p.logger.With(zap.String("strategy", string(strategy)))
	logger.Info("records removed from index",
		zap.Int("erased", len(report.Erased)),
		zap.Int("not_found", len(report.NotFound)),
		zap.Int("shards", len(removed)))

	var failed []int
	report.Shards, failed, err = p.editShards(ctx, ds, removed, strategy)
	if err != nil {
		if rerr := p.rollback(&report, failed, mappings, removed); rerr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		logger.Warn("erasure failed, affected records reinstated",
			zap.Ints("failed_shards", failed),
			zap.Strings("rolled_back", report.RolledBack),
			zap.Error(err))
		return report, err
	}

	report.Verification = combine(report.Shards, p.cfg.Unlearn.Criteria(), p.now())
	verdict := "failed"
	if report.Verification.Success {
		verdict = "passed"
	}
	metrics.VerificationsTotal.WithLabelValues(verdict).Inc()
	span.SetAttributes(
		attribute.Float64("forget_confidence_before", report.ForgetConfidenceBefore),
		attribute.Float64("forget_confidence_after", report.Verification.ForgetMeanConfidence),
		attribute.Bool("verified", report.Verification.Success),
	)

	if !report.Verification.Success {
		logger.Warn("erasure verification failed, no record issued",
			zap.Float64("forget_confidence_after", report.Verification.ForgetMeanConfidence),
			zap.Float64("retain_accuracy", report.Verification.RetainAccuracy))
		return report, nil
	}

	rec, err := p.issue(ctx, report, strategy)
	if err != nil {
		return report, err
	}
	report.Record = &rec
	logger.Info("erasure verified",
		zap.String("certificate_id", rec.CertificateID),
		zap.Float64("forget_confidence_before", rec.ForgetConfidenceBefore),
		zap.Float64("forget_confidence_after", rec.ForgetConfidenceAfter))
	return report, nil
}

// confidenceBefore is the mean true-label confidence of each forget sample
// under its shard's current model. Untrained shards contribute nothing.
func (p *Pipeline) confidenceBefore(ctx context.Context, ds dataset.Dataset, forget map[int][]int) (float64, error) {
	var sum float64
	var n int
	for shardIndex, dataIndices := range forget {
		m, err := p.manager.GetModel(shardIndex)
		if errors.Is(err, errs.ErrNotTrained) {
			continue
		}
		if err != nil {
			return 0, err
		}
		conf, err := verify.Confidences(ctx, m, dataset.Subset(ds, dataIndices))
		if err != nil {
			return 0, err
		}
		for _, c := range conf {
			sum += c
		}
		n += len(conf)
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// rollback reinstates the removed records of every failed shard and moves
// their ids from Erased to RolledBack.
func (p *Pipeline) rollback(report *ErasureReport, failed []int, mappings map[int][]shard.Mapping, removed map[int][]int) error {
	var back []shard.Mapping
	for _, shardIndex := range failed {
		gone := make(map[int]struct{}, len(removed[shardIndex]))
		for _, d := range removed[shardIndex] {
			gone[d] = struct{}{}
		}
		for _, rec := range mappings[shardIndex] {
			if _, ok := gone[rec.DataIndex]; ok {
				back = append(back, rec)
			}
		}
	}
	if len(back) == 0 {
		return nil
	}
	if err := p.manager.ReinstateRecords(back); err != nil {
		return err
	}

	restored := make(map[string]struct{}, len(back))
	for _, rec := range back {
		restored[rec.DataID] = struct{}{}
		report.RolledBack = append(report.RolledBack, rec.DataID)
	}
	sort.Strings(report.RolledBack)
	erased := make([]string, 0, len(report.Erased))
	for _, id := range report.Erased {
		if _, ok := restored[id]; !ok {
			erased = append(erased, id)
		}
	}
	report.Erased = erased
	return nil
}

// editShards edits every shard in removed concurrently. On error it also
// returns the shards whose edit did not complete.
func (p *Pipeline) editShards(ctx context.Context, ds dataset.Dataset, removed map[int][]int, strategy Strategy) ([]ShardOutcome, []int, error) {
	shards := make([]int, 0, len(removed))
	for i := range removed {
		shards = append(shards, i)
	}
	sort.Ints(shards)

	outcomes := make([]ShardOutcome, len(shards))
	done := make([]bool, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Parallelism > 0 {
		g.SetLimit(p.cfg.Parallelism)
	}
	for pos, shardIndex := range shards {
		g.Go(func() error {
			out, err := p.editShard(gctx, ds, shardIndex, removed[shardIndex], strategy)
			outcomes[pos] = out
			done[pos] = err == nil
			return err
		})
	}
	if err := g.Wait(); err != nil {
		var failed []int
		for pos, shardIndex := range shards {
			if !done[pos] {
				failed = append(failed, shardIndex)
			}
		}
		return outcomes, failed, err
	}
	return outcomes, nil, nil
}

func (p *Pipeline) editShard(ctx context.Context, ds dataset.Dataset, shardIndex int, forget []int, strategy Strategy) (ShardOutcome, error) {
	out := ShardOutcome{ShardIndex: shardIndex, Erased: len(forget)}
	idx, err := p.manager.Index()
	if err != nil {
		return out, err
	}
	members, err := idx.MembersOf(shardIndex)
	if err != nil {
		return out, err
	}
	out.Remaining = len(members)

	if strategy == StrategyUnlearn && len(members) > 0 {
		res, err := p.manager.UnlearnRecords(ctx, shardIndex, ds, forget, p.cfg.Unlearn)
		if err != nil {
			return out, err
		}
		out.RunID = res.RunID
		if res.Status == unlearn.StatusSkipped {
			out.Outcome = OutcomeSkipped
			return out, nil
		}
		out.Outcome = OutcomeUnlearned
		v := res.Verification
		out.Verification = &v
		return out, nil
	}

	summary, err := p.manager.RetrainShard(ctx, shardIndex, ds)
	if errors.Is(err, errs.ErrEmptyShard) {
		out.Outcome = OutcomeEmptied
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Outcome = OutcomeRetrained
	out.RunID = summary.RunID

	m, err := p.manager.GetModel(shardIndex)
	if err != nil {
		return out, err
	}
	v, err := verify.Evaluate(ctx, m, dataset.Subset(ds, forget), dataset.Subset(ds, members), p.cfg.Unlearn.Criteria(),
		verify.WithLogger(p.logger.With(zap.Int("shard", shardIndex))),
		verify.WithClock(p.now))
	if err != nil {
		return out, err
	}
	out.Verification = &v
	return out, nil
}

// combine merges per-shard verifications into one result: forget
// confidence weighted by forget-set size, retain accuracy by retain-set
// size, success only if every verified shard succeeded. Shards that were
// emptied no longer serve and pass trivially.
func combine(outcomes []ShardOutcome, c verify.Criteria, now time.Time) verify.Result {
	res := verify.Result{Success: true, Criteria: c, EvaluatedAt: now.UTC()}
	var confSum, accSum float64
	for _, o := range outcomes {
		v := o.Verification
		if v == nil {
			continue
		}
		confSum += v.ForgetMeanConfidence * float64(v.Forget.N)
		accSum += v.RetainAccuracy * float64(v.Retain.N)
		res.Forget.N += v.Forget.N
		res.Retain.N += v.Retain.N
		res.Success = res.Success && v.Success
		if res.NumClasses == 0 {
			res.NumClasses = v.NumClasses
		}
		for _, t := range v.Tests {
			t.Name = fmt.Sprintf("shard_%d/%s", o.ShardIndex, t.Name)
			res.Tests = append(res.Tests, t)
		}
	}
	if res.Forget.N > 0 {
		res.ForgetMeanConfidence = confSum / float64(res.Forget.N)
	}
	if res.Retain.N > 0 {
		res.RetainAccuracy = accSum / float64(res.Retain.N)
	}
	res.Forget.MeanConfidence = res.ForgetMeanConfidence
	res.Retain.Accuracy = res.RetainAccuracy
	return res
}

func (p *Pipeline) issue(ctx context.Context, report ErasureReport, strategy Strategy) (compliance.Record, error) {
	hash, err := EnsembleHash(p.aggregator)
	if err != nil {
		return compliance.Record{}, err
	}
	shards := make([]int, 0, len(report.Shards))
	for _, o := range report.Shards {
		shards = append(shards, o.ShardIndex)
	}
	rec, err := compliance.NewRecord(compliance.Input{
		SubjectModelID:         p.cfg.SubjectModelID,
		ErasedDataIDs:          report.Erased,
		ForgetConfidenceBefore: report.ForgetConfidenceBefore,
		Verification:           report.Verification,
		ModelWeightsHash:       hash,
		Issuer:                 p.cfg.Issuer,
		Strategy:               string(strategy),
		Shards:                 shards,
	}, p.now())
	if err != nil {
		return compliance.Record{}, err
	}
	if p.ledger != nil {
		if err := p.ledger.Save(ctx, rec); err != nil {
			return compliance.Record{}, err
		}
	}
	return rec, nil
}

// EnsembleHash is the SHA-256 over the served shards' model hashes in shard
// order. It is empty when nothing is served.
func EnsembleHash(a *Aggregator) (string, error) {
	models := a.Models()
	if len(models) == 0 {
		return "", nil
	}
	h := sha256.New()
	for _, i := range a.Shards() {
		m, ok := models[i]
		if !ok {
			continue
		}
		sum, err := model.Hash(m)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%d:%s\n", i, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func erasedIDs(found, raced []string) []string {
	skip := make(map[string]struct{}, len(raced))
	for _, id := range raced {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, len(found))
	for _, id := range found {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
