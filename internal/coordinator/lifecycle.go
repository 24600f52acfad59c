package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/metrics"
	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/shard"
	"github.com/dreamware/amnesia/internal/storage"
	"github.com/dreamware/amnesia/internal/train"
	"github.com/dreamware/amnesia/internal/unlearn"
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("amnesia/coordinator")
	})
	return tracer
}

// TrainStatus is the outcome of one shard training.
type TrainStatus string

const (
	// StatusTrained means a fresh model was fitted and published.
	StatusTrained TrainStatus = "trained"
	// StatusEmpty means the shard has no members left; it no longer serves.
	StatusEmpty TrainStatus = "empty"
)

// TrainSummary reports one shard training.
type TrainSummary struct {
	ShardIndex int           `json:"shard_index"`
	ShardID    string        `json:"shard_id"`
	RunID      string        `json:"run_id,omitempty"`
	ModelKey   string        `json:"model_key,omitempty"`
	Samples    int           `json:"samples"`
	Status     TrainStatus   `json:"status"`
	History    train.History `json:"history"`
	Loss       float64       `json:"loss"`
	Accuracy   float64       `json:"accuracy"`
	Duration   time.Duration `json:"duration"`
}

// PublishFunc receives every model a shard starts serving. m is nil when the
// shard stopped serving because it became empty.
type PublishFunc func(shardIndex int, m model.TrainableModel)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	NumShards    int                `yaml:"num_shards"`
	Seed         int64              `yaml:"seed"`
	Parallelism  int                `yaml:"parallelism"` // Concurrent shard trainings; <= 0 means NumShards
	Architecture model.Architecture `yaml:"architecture"`
	Train        train.Config       `yaml:"train"`
}

// Validate checks the shard count, architecture and training config.
func (c ManagerConfig) Validate() error {
	if c.NumShards < 1 {
		return fmt.Errorf("%w: num_shards must be >= 1, got %d", errs.ErrConfiguration, c.NumShards)
	}
	if err := c.Architecture.Validate(); err != nil {
		return err
	}
	return c.Train.Validate()
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for index timestamps and model metadata.
func WithClock(c shard.Clock) ManagerOption {
	return func(m *Manager) { m.now = c }
}

// WithFactory replaces the default MLP factory built from the architecture.
func WithFactory(f model.Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// Manager owns the shard index and one model slot per shard. It is the only
// component that mutates shard models.
//
// Every mutating operation (training, retraining, unlearning, loading)
// reserves the shard in the Registry first; a concurrent request on the
// same shard fails with errs.ErrShardBusy. A new model is persisted before
// it is installed, and installed before it is published to subscribers.
type Manager struct {
	cfg       ManagerConfig
	factory   model.Factory
	artifacts *storage.Artifacts
	logger    *zap.Logger
	now       shard.Clock

	mu         sync.RWMutex // Protects index, registry and publishers
	index      *shard.Index
	registry   *Registry
	publishers []PublishFunc
}

// NewManager validates cfg and returns a manager persisting to artifacts.
func NewManager(cfg ManagerConfig, artifacts *storage.Artifacts, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if artifacts == nil {
		return nil, fmt.Errorf("%w: artifacts store is required", errs.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = cfg.NumShards
	}
	m := &Manager{
		cfg:       cfg,
		factory:   model.MLPFactory(cfg.Architecture),
		artifacts: artifacts,
		logger:    logger,
		now:       time.Now,
		registry:  NewRegistry(cfg.NumShards),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnPublish registers fn to receive every newly served model.
func (m *Manager) OnPublish(fn PublishFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, fn)
}

func (m *Manager) publish(shardIndex int, tm model.TrainableModel) {
	m.mu.RLock()
	pubs := append([]PublishFunc(nil), m.publishers...)
	m.mu.RUnlock()
	for _, fn := range pubs {
		fn(shardIndex, tm)
	}
}

// Index returns the current shard index, or errs.ErrConfiguration before
// TrainAll or Restore.
func (m *Manager) Index() (*shard.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index == nil {
		return nil, fmt.Errorf("%w: no shard index; train or restore first", errs.ErrConfiguration)
	}
	return m.index, nil
}

// Registry returns the model slots.
func (m *Manager) Registry() *Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry
}

// NumShards returns the configured shard count.
func (m *Manager) NumShards() int {
	return m.cfg.NumShards
}

// GetModel returns the shard's current model, or errs.ErrNotTrained.
func (m *Manager) GetModel(shardIndex int) (model.TrainableModel, error) {
	return m.Registry().Model(shardIndex)
}

// TrainAll partitions ds into NumShards shards and trains one fresh model
// per shard, at most Parallelism at a time. ids names the records; empty
// ids generates data_<i>. The index snapshot is persisted once every shard
// has finished.
func (m *Manager) TrainAll(ctx context.Context, ds dataset.Dataset, ids []string) ([]TrainSummary, error) {
	ctx, span := getTracer().Start(ctx, "coordinator.Manager.TrainAll",
		trace.WithAttributes(
			attribute.Int("records", ds.Len()),
			attribute.Int("shards", m.cfg.NumShards),
		))
	defer span.End()

	idx, err := shard.NewPartitioner(m.cfg.NumShards, m.cfg.Seed, shard.WithClock(m.now)).Partition(ds.Len(), ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	m.mu.Lock()
	m.index = idx
	m.registry = NewRegistry(m.cfg.NumShards)
	m.mu.Unlock()

	m.logger.Info("partitioned dataset",
		zap.Int("records", ds.Len()),
		zap.Int("shards", m.cfg.NumShards),
		zap.Int64("seed", m.cfg.Seed))

	summaries := make([]TrainSummary, m.cfg.NumShards)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for i := 0; i < m.cfg.NumShards; i++ {
		g.Go(func() error {
			s, err := m.trainShard(gctx, i, ds)
			summaries[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shard training failed")
		return summaries, err
	}
	if err := m.artifacts.SaveIndex(idx); err != nil {
		return summaries, err
	}
	return summaries, nil
}

// RetrainShard trains a fresh model on the shard's current members and
// replaces the served model. An empty shard yields a StatusEmpty summary
// together with errs.ErrEmptyShard; its model is withdrawn.
func (m *Manager) RetrainShard(ctx context.Context, shardIndex int, ds dataset.Dataset) (TrainSummary, error) {
	idx, err := m.Index()
	if err != nil {
		return TrainSummary{}, err
	}
	ctx, span := getTracer().Start(ctx, "coordinator.Manager.RetrainShard",
		trace.WithAttributes(attribute.Int("shard", shardIndex)))
	defer span.End()

	summary, err := m.trainShard(ctx, shardIndex, ds)
	if err != nil && !errors.Is(err, errs.ErrEmptyShard) {
		span.RecordError(err)
		return summary, err
	}
	if serr := m.artifacts.SaveIndex(idx); serr != nil {
		return summary, serr
	}
	return summary, err
}

func (m *Manager) trainShard(ctx context.Context, shardIndex int, ds dataset.Dataset) (summary TrainSummary, err error) {
	idx, err := m.Index()
	if err != nil {
		return TrainSummary{}, err
	}
	reg := m.Registry()
	release, err := reg.Acquire(shardIndex)
	if err != nil {
		return TrainSummary{ShardIndex: shardIndex}, err
	}
	defer release()

	s, err := idx.Shard(shardIndex)
	if err != nil {
		return TrainSummary{ShardIndex: shardIndex}, err
	}
	members := s.Members()
	summary = TrainSummary{ShardIndex: shardIndex, ShardID: s.ID, Samples: len(members)}
	metrics.SetShardSamples(shardIndex, len(members))
	logger := m.logger.With(zap.Int("shard", shardIndex), zap.Int("samples", len(members)))

	if len(members) == 0 {
		summary.Status = StatusEmpty
		reg.drop(shardIndex)
		if err := idx.SetModelRef(shardIndex, ""); err != nil {
			return summary, err
		}
		logger.Warn("shard is empty, withdrawing its model")
		m.publish(shardIndex, nil)
		return summary, fmt.Errorf("shard %d: %w", shardIndex, errs.ErrEmptyShard)
	}

	start := time.Now()
	defer func() {
		summary.Duration = time.Since(start)
		metrics.TrainingsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
		if err == nil {
			metrics.TrainingDuration.Observe(summary.Duration.Seconds())
		}
	}()

	prev := s.State()
	s.SetState(shard.ShardStateTraining)
	defer func() {
		if err != nil {
			s.SetState(prev)
		}
	}()

	seed := m.cfg.Seed + int64(shardIndex)
	fresh, err := m.factory(seed)
	if err != nil {
		return summary, err
	}
	cfg := m.cfg.Train
	cfg.Seed = seed
	hist, err := train.Fit(ctx, fresh, dataset.Subset(ds, members), cfg, logger)
	if err != nil {
		return summary, fmt.Errorf("train shard %d: %w", shardIndex, err)
	}

	runID := uuid.NewString()
	key, err := m.artifacts.SaveModel(shardIndex, runID, fresh)
	if err != nil {
		return summary, err
	}
	if err := idx.SetModelRef(shardIndex, key); err != nil {
		return summary, err
	}
	reg.set(shardIndex, fresh, ModelInfo{
		RunID:     runID,
		Key:       key,
		Origin:    "train",
		Samples:   len(members),
		UpdatedAt: m.now(),
	})
	s.RecordTraining()
	s.SetState(shard.ShardStateActive)

	summary.Status = StatusTrained
	summary.RunID = runID
	summary.ModelKey = key
	summary.History = hist
	summary.Loss, summary.Accuracy = hist.Final()
	logger.Info("shard trained",
		zap.String("run_id", runID),
		zap.Float64("loss", summary.Loss),
		zap.Float64("accuracy", summary.Accuracy))

	m.publish(shardIndex, fresh)
	return summary, nil
}

// UnlearnShard resolves the shard's members with sel and unlearns the
// selected records from the shard's model. The index is not modified.
func (m *Manager) UnlearnShard(ctx context.Context, shardIndex int, ds dataset.Dataset, sel unlearn.Selector, cfg unlearn.Config) (unlearn.Result, error) {
	idx, err := m.Index()
	if err != nil {
		return unlearn.Result{}, err
	}
	members, err := idx.MembersOf(shardIndex)
	if err != nil {
		return unlearn.Result{}, err
	}
	forget, retain, err := sel.Split(ds, members)
	if err != nil {
		return unlearn.Result{}, err
	}
	m.logger.Debug("selected records to unlearn",
		zap.Int("shard", shardIndex),
		zap.Stringer("selector", sel),
		zap.Int("forget", len(forget)))
	return m.unlearn(ctx, shardIndex, ds, forget, retain, cfg)
}

// UnlearnRecords unlearns the given dataset indices from the shard's model.
// The retain set is the shard's current members minus forget, so callers
// may remove the records from the index before or after.
func (m *Manager) UnlearnRecords(ctx context.Context, shardIndex int, ds dataset.Dataset, forget []int, cfg unlearn.Config) (unlearn.Result, error) {
	idx, err := m.Index()
	if err != nil {
		return unlearn.Result{}, err
	}
	members, err := idx.MembersOf(shardIndex)
	if err != nil {
		return unlearn.Result{}, err
	}
	_, retain, _ := unlearn.ByIndices(forget).Split(ds, members)
	return m.unlearn(ctx, shardIndex, ds, forget, retain, cfg)
}

// unlearn edits a clone of the shard's model; the served model is replaced
// only after the run, verification included, has completed.
func (m *Manager) unlearn(ctx context.Context, shardIndex int, ds dataset.Dataset, forget, retain []int, cfg unlearn.Config) (unlearn.Result, error) {
	idx, err := m.Index()
	if err != nil {
		return unlearn.Result{}, err
	}
	reg := m.Registry()
	release, err := reg.Acquire(shardIndex)
	if err != nil {
		return unlearn.Result{}, err
	}
	defer release()

	current, err := reg.Model(shardIndex)
	if err != nil {
		return unlearn.Result{}, err
	}
	s, err := idx.Shard(shardIndex)
	if err != nil {
		return unlearn.Result{}, err
	}
	logger := m.logger.With(zap.Int("shard", shardIndex))

	working := current.Clone()
	engine, err := unlearn.NewEngine(working, cfg, logger)
	if err != nil {
		return unlearn.Result{}, err
	}
	prev := s.State()
	s.SetState(shard.ShardStateUnlearning)
	res, err := engine.Unlearn(ctx, dataset.Subset(ds, forget), dataset.Subset(ds, retain))
	s.SetState(prev)
	if err != nil {
		return res, fmt.Errorf("unlearn shard %d: %w", shardIndex, err)
	}
	if res.Status == unlearn.StatusSkipped {
		return res, nil
	}

	key, err := m.artifacts.SaveModel(shardIndex, res.RunID, working)
	if err != nil {
		return res, err
	}
	if err := idx.SetModelRef(shardIndex, key); err != nil {
		return res, err
	}
	if err := m.artifacts.SaveIndex(idx); err != nil {
		return res, err
	}
	reg.set(shardIndex, working, ModelInfo{
		RunID:     res.RunID,
		Key:       key,
		Origin:    "unlearn",
		Samples:   len(retain),
		UpdatedAt: m.now(),
	})
	s.RecordUnlearn()
	m.publish(shardIndex, working)
	return res, nil
}

// RemoveRecords deletes ids from the index and returns the dataset indices
// removed per shard. Unknown or already deleted ids are returned in missing.
func (m *Manager) RemoveRecords(ids []string) (removed map[int][]int, missing []string, err error) {
	idx, err := m.Index()
	if err != nil {
		return nil, nil, err
	}
	removed = make(map[int][]int)
	for _, id := range ids {
		rec, err := idx.Record(id)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		if _, err := idx.Remove(id); err != nil {
			// Lost a race with a concurrent removal of the same id.
			missing = append(missing, id)
			continue
		}
		removed[rec.ShardIndex] = append(removed[rec.ShardIndex], rec.DataIndex)
	}
	for i, dataIndices := range removed {
		sort.Ints(dataIndices)
		s, err := idx.Shard(i)
		if err != nil {
			return removed, missing, err
		}
		metrics.SetShardSamples(i, s.NumSamples())
	}
	if len(removed) > 0 {
		if err := m.artifacts.SaveIndex(idx); err != nil {
			return removed, missing, err
		}
	}
	return removed, missing, nil
}

// ReinstateRecords puts removed mappings back into the index and persists
// it. It undoes RemoveRecords for shards whose edit failed, so the records
// stay erasable.
func (m *Manager) ReinstateRecords(mappings []shard.Mapping) error {
	if len(mappings) == 0 {
		return nil
	}
	idx, err := m.Index()
	if err != nil {
		return err
	}
	touched := make(map[int]struct{})
	for _, rec := range mappings {
		if err := idx.Assign(rec.DataID, rec.ShardIndex, rec.DataIndex); err != nil {
			return err
		}
		touched[rec.ShardIndex] = struct{}{}
	}
	for i := range touched {
		s, err := idx.Shard(i)
		if err != nil {
			return err
		}
		metrics.SetShardSamples(i, s.NumSamples())
	}
	return m.artifacts.SaveIndex(idx)
}

// LoadShard installs the shard's persisted model named by the index.
func (m *Manager) LoadShard(ctx context.Context, shardIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx, err := m.Index()
	if err != nil {
		return err
	}
	s, err := idx.Shard(shardIndex)
	if err != nil {
		return err
	}
	key := s.ModelRef()
	if key == "" {
		return fmt.Errorf("shard %d: %w", shardIndex, errs.ErrNotTrained)
	}

	reg := m.Registry()
	release, err := reg.Acquire(shardIndex)
	if err != nil {
		return err
	}
	defer release()

	loaded, err := m.artifacts.LoadModel(key)
	if err != nil {
		return err
	}
	reg.set(shardIndex, loaded, ModelInfo{
		Key:       key,
		Origin:    "load",
		Samples:   s.NumSamples(),
		UpdatedAt: m.now(),
	})
	metrics.SetShardSamples(shardIndex, s.NumSamples())
	m.publish(shardIndex, loaded)
	return nil
}

// Restore rebuilds the index from the stored snapshot and reloads the model
// of every shard that has one. It returns the number of models loaded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	idx, err := m.artifacts.LoadIndex(shard.WithClock(m.now))
	if err != nil {
		return 0, err
	}
	if idx.NumShards() != m.cfg.NumShards {
		return 0, fmt.Errorf("%w: stored index has %d shards, configured %d",
			errs.ErrConfiguration, idx.NumShards(), m.cfg.NumShards)
	}
	m.mu.Lock()
	m.index = idx
	m.registry = NewRegistry(m.cfg.NumShards)
	m.mu.Unlock()

	loaded := 0
	for i := 0; i < idx.NumShards(); i++ {
		err := m.LoadShard(ctx, i)
		if errors.Is(err, errs.ErrNotTrained) {
			continue
		}
		if err != nil {
			return loaded, err
		}
		loaded++
	}
	m.logger.Info("restored shards",
		zap.Int("shards", idx.NumShards()),
		zap.Int("models", loaded),
		zap.Int("records", idx.TotalSamples()))
	return loaded, nil
}
