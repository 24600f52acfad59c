package shard

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard has members and serves predictions
	ShardStateActive ShardState = "active"
	// ShardStateTraining means a fresh model is being fitted
	ShardStateTraining ShardState = "training"
	// ShardStateUnlearning means an unlearning run is editing the model
	ShardStateUnlearning ShardState = "unlearning"
	// ShardStateEmpty means every member has been deleted
	ShardStateEmpty ShardState = "empty"
)

// Shard is one disjoint partition of the training records.
// Members only ever shrink after creation; the owning Index is the only
// writer of the member set.
type Shard struct {
	ID        string // Stable identifier derived from the partition parameters
	Index     int    // Position in [0, K)
	CreatedAt time.Time

	mu        sync.RWMutex // Protects the fields below
	members   map[int]struct{}
	modelRef  string
	state     ShardState
	updatedAt time.Time

	stats OperationStats
}

// OperationStats tracks operation counts
type OperationStats struct {
	Removals  uint64 // Number of records removed
	Trainings uint64 // Number of from-scratch trainings
	Unlearns  uint64 // Number of unlearning runs
}

// Info contains a point-in-time view of a shard
type Info struct {
	ID         string         `json:"id"`
	Index      int            `json:"index"`
	NumSamples int            `json:"num_samples"`
	ModelRef   string         `json:"model_ref,omitempty"`
	State      ShardState     `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Stats      OperationStats `json:"stats"`
}

func newShard(id string, index int, now time.Time) *Shard {
	return &Shard{
		ID:        id,
		Index:     index,
		CreatedAt: now,
		members:   make(map[int]struct{}),
		state:     ShardStateActive,
		updatedAt: now,
	}
}

func (s *Shard) addMember(dataIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[dataIndex] = struct{}{}
	if s.state == ShardStateEmpty {
		s.state = ShardStateActive
	}
}

func (s *Shard) removeMember(dataIndex int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, dataIndex)
	s.updatedAt = now
	if len(s.members) == 0 {
		s.state = ShardStateEmpty
	}
	atomic.AddUint64(&s.stats.Removals, 1)
}

// NumSamples is the current member count.
func (s *Shard) NumSamples() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Members returns the member data indices in ascending order.
func (s *Shard) Members() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Has reports whether dataIndex is still a member.
func (s *Shard) Has(dataIndex int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[dataIndex]
	return ok
}

// ModelRef returns the storage key of the shard's current model, if any.
func (s *Shard) ModelRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelRef
}

func (s *Shard) setModelRef(ref string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelRef = ref
	s.updatedAt = now
}

// State returns the current shard state
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the shard state. An empty shard stays empty.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShardStateEmpty || (len(s.members) == 0 && state == ShardStateActive) {
		s.state = ShardStateEmpty
		return
	}
	s.state = state
}

// RecordTraining increments the training counter.
func (s *Shard) RecordTraining() { atomic.AddUint64(&s.stats.Trainings, 1) }

// RecordUnlearn increments the unlearning counter.
func (s *Shard) RecordUnlearn() { atomic.AddUint64(&s.stats.Unlearns, 1) }

// GetStats returns current shard statistics
func (s *Shard) GetStats() OperationStats {
	return OperationStats{
		Removals:  atomic.LoadUint64(&s.stats.Removals),
		Trainings: atomic.LoadUint64(&s.stats.Trainings),
		Unlearns:  atomic.LoadUint64(&s.stats.Unlearns),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:         s.ID,
		Index:      s.Index,
		NumSamples: len(s.members),
		ModelRef:   s.modelRef,
		State:      s.state,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.updatedAt,
	}
	s.mu.RUnlock()
	info.Stats = s.GetStats()
	return info
}
