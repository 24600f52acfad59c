package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/metrics"
	"github.com/dreamware/amnesia/internal/model"
)

// ModelInfo describes the model currently held in a shard slot.
type ModelInfo struct {
	ShardIndex int       `json:"shard_index"`
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`       // Storage key of the persisted artifact
	Origin     string    `json:"origin"`    // "train", "unlearn" or "load"
	Samples    int       `json:"samples"`   // Member count the model was produced from
	UpdatedAt  time.Time `json:"updated_at"`
}

// slot owns one shard's model. busy is held for the whole duration of a
// mutating operation; mu only guards the fields.
type slot struct {
	busy sync.Mutex

	mu    sync.RWMutex
	model model.TrainableModel
	info  ModelInfo
}

// Registry holds one model slot per shard and enforces a single mutator per
// shard.
//
// Mutating operations call Acquire first. Acquire never blocks: if another
// operation already holds the shard, it fails with errs.ErrShardBusy so the
// caller can retry later instead of queueing behind a long training run.
// Operations on different shards proceed in parallel.
//
// Models handed out by Model are never mutated afterwards; a new model is
// installed by swapping the slot's pointer.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Registry struct {
	slots     []*slot
	numShards int
}

// NewRegistry creates a registry with numShards empty slots.
func NewRegistry(numShards int) *Registry {
	slots := make([]*slot, numShards)
	for i := range slots {
		slots[i] = &slot{}
	}
	return &Registry{slots: slots, numShards: numShards}
}

// NumShards returns the number of slots.
func (r *Registry) NumShards() int {
	return r.numShards
}

func (r *Registry) slot(shardIndex int) (*slot, error) {
	if shardIndex < 0 || shardIndex >= r.numShards {
		return nil, fmt.Errorf("%w: invalid shard index %d, must be in range [0, %d)",
			errs.ErrNotFound, shardIndex, r.numShards)
	}
	return r.slots[shardIndex], nil
}

// Acquire reserves the shard for one mutating operation. The returned
// release function must be called exactly once.
func (r *Registry) Acquire(shardIndex int) (release func(), err error) {
	s, err := r.slot(shardIndex)
	if err != nil {
		return nil, err
	}
	if !s.busy.TryLock() {
		metrics.ShardBusyTotal.Inc()
		return nil, fmt.Errorf("%w: shard %d", errs.ErrShardBusy, shardIndex)
	}
	var once sync.Once
	return func() { once.Do(s.busy.Unlock) }, nil
}

// Model returns the shard's current model, or errs.ErrNotTrained.
func (r *Registry) Model(shardIndex int) (model.TrainableModel, error) {
	s, err := r.slot(shardIndex)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil, fmt.Errorf("shard %d: %w", shardIndex, errs.ErrNotTrained)
	}
	return s.model, nil
}

// Info returns the metadata of the shard's current model.
func (r *Registry) Info(shardIndex int) (ModelInfo, error) {
	s, err := r.slot(shardIndex)
	if err != nil {
		return ModelInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return ModelInfo{}, fmt.Errorf("shard %d: %w", shardIndex, errs.ErrNotTrained)
	}
	return s.info, nil
}

// Trained returns the indices of shards holding a model, in order.
func (r *Registry) Trained() []int {
	var out []int
	for i, s := range r.slots {
		s.mu.RLock()
		if s.model != nil {
			out = append(out, i)
		}
		s.mu.RUnlock()
	}
	return out
}

// set installs m. Callers hold the shard via Acquire.
func (r *Registry) set(shardIndex int, m model.TrainableModel, info ModelInfo) {
	s := r.slots[shardIndex]
	info.ShardIndex = shardIndex
	s.mu.Lock()
	s.model = m
	s.info = info
	s.mu.Unlock()
}

// drop clears the slot. Callers hold the shard via Acquire.
func (r *Registry) drop(shardIndex int) {
	s := r.slots[shardIndex]
	s.mu.Lock()
	s.model = nil
	s.info = ModelInfo{}
	s.mu.Unlock()
}
