package shard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/amnesia/internal/errs"
)

// Mapping is the record of which shard holds one training example.
type Mapping struct {
	DataID     string `json:"data_id"`
	DataIndex  int    `json:"data_index"`
	ShardID    string `json:"shard_id"`
	ShardIndex int    `json:"shard_index"`
}

// Clock supplies timestamps. Tests pin it to get reproducible snapshots.
type Clock func() time.Time

// Option configures an Index.
type Option func(*Index)

// WithClock overrides time.Now.
func WithClock(c Clock) Option {
	return func(idx *Index) { idx.now = c }
}

// Index is the bidirectional data_id <-> (shard, data index) mapping.
//
// The mapping and the shard member sets change together under mu, so a
// reader never sees a record that is mapped but not a member, or the
// reverse. Lock order is Index before Shard.
type Index struct {
	mu      sync.RWMutex
	records map[string]Mapping
	shards  []*Shard
	now     Clock

	numRecords int
	seed       int64
}

func newIndex(shards []*Shard, numRecords int, seed int64, now Clock) *Index {
	return &Index{
		records:    make(map[string]Mapping, numRecords),
		shards:     shards,
		now:        now,
		numRecords: numRecords,
		seed:       seed,
	}
}

// NumShards is K.
func (idx *Index) NumShards() int {
	return len(idx.shards)
}

// NumRecords is the dataset size the index was partitioned from.
func (idx *Index) NumRecords() int {
	return idx.numRecords
}

// Seed is the permutation seed the index was partitioned with.
func (idx *Index) Seed() int64 {
	return idx.seed
}

// Assign maps dataID to shardIndex and adds dataIndex to that shard.
func (idx *Index) Assign(dataID string, shardIndex, dataIndex int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if shardIndex < 0 || shardIndex >= len(idx.shards) {
		return fmt.Errorf("%w: shard index %d out of range [0, %d)", errs.ErrConfiguration, shardIndex, len(idx.shards))
	}
	if _, dup := idx.records[dataID]; dup {
		return fmt.Errorf("%w: duplicate data id %q", errs.ErrConfiguration, dataID)
	}
	s := idx.shards[shardIndex]
	idx.records[dataID] = Mapping{DataID: dataID, DataIndex: dataIndex, ShardID: s.ID, ShardIndex: shardIndex}
	s.addMember(dataIndex)
	return nil
}

// Lookup returns the shard index holding dataID.
func (idx *Index) Lookup(dataID string) (int, error) {
	m, err := idx.Record(dataID)
	if err != nil {
		return 0, err
	}
	return m.ShardIndex, nil
}

// Record returns the full mapping for dataID.
func (idx *Index) Record(dataID string) (Mapping, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.records[dataID]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: data id %q", errs.ErrNotFound, dataID)
	}
	return m, nil
}

// Remove deletes dataID from the mapping and from its shard's members and
// returns the shard index it belonged to. Removing an unknown or already
// removed id returns ErrNotFound and changes nothing.
func (idx *Index) Remove(dataID string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.records[dataID]
	if !ok {
		return 0, fmt.Errorf("%w: data id %q", errs.ErrNotFound, dataID)
	}
	delete(idx.records, dataID)
	idx.shards[m.ShardIndex].removeMember(m.DataIndex, idx.now())
	return m.ShardIndex, nil
}

// MembersOf returns a sorted copy of the shard's member data indices.
func (idx *Index) MembersOf(shardIndex int) ([]int, error) {
	s, err := idx.shard(shardIndex)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return s.Members(), nil
}

// GroupByShard buckets ids by owning shard. Unknown ids are returned in
// missing, in input order.
func (idx *Index) GroupByShard(dataIDs []string) (groups map[int][]string, missing []string) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	groups = make(map[int][]string)
	for _, id := range dataIDs {
		m, ok := idx.records[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		groups[m.ShardIndex] = append(groups[m.ShardIndex], id)
	}
	return groups, missing
}

// Shard returns the live shard at shardIndex.
func (idx *Index) Shard(shardIndex int) (*Shard, error) {
	return idx.shard(shardIndex)
}

func (idx *Index) shard(shardIndex int) (*Shard, error) {
	if shardIndex < 0 || shardIndex >= len(idx.shards) {
		return nil, fmt.Errorf("%w: shard index %d out of range [0, %d)", errs.ErrNotFound, shardIndex, len(idx.shards))
	}
	return idx.shards[shardIndex], nil
}

// Infos returns a snapshot of every shard in index order.
func (idx *Index) Infos() []Info {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Info, len(idx.shards))
	for i, s := range idx.shards {
		out[i] = s.Info()
	}
	return out
}

// SetModelRef records the storage key of the shard's current model.
func (idx *Index) SetModelRef(shardIndex int, ref string) error {
	s, err := idx.shard(shardIndex)
	if err != nil {
		return err
	}
	s.setModelRef(ref, idx.now())
	return nil
}

// TotalSamples is the number of records still mapped.
func (idx *Index) TotalSamples() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

type snapshot struct {
	NumRecords int             `json:"num_records"`
	NumShards  int             `json:"num_shards"`
	Seed       int64           `json:"seed"`
	TakenAt    time.Time       `json:"taken_at"`
	Shards     []shardSnapshot `json:"shards"`
	Records    []Mapping       `json:"records"`
}

type shardSnapshot struct {
	ID        string     `json:"id"`
	Index     int        `json:"index"`
	Members   []int      `json:"members"`
	ModelRef  string     `json:"model_ref,omitempty"`
	State     ShardState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Snapshot serialises the index as JSON. Shards appear in index order and
// records in data index order, so equal indexes encode to equal bytes.
func (idx *Index) Snapshot() ([]byte, error) {
	idx.mu.RLock()
	snap := snapshot{
		NumRecords: idx.numRecords,
		NumShards:  len(idx.shards),
		Seed:       idx.seed,
		TakenAt:    idx.now().UTC(),
		Shards:     make([]shardSnapshot, len(idx.shards)),
		Records:    make([]Mapping, 0, len(idx.records)),
	}
	for i, s := range idx.shards {
		info := s.Info()
		snap.Shards[i] = shardSnapshot{
			ID:        s.ID,
			Index:     s.Index,
			Members:   s.Members(),
			ModelRef:  info.ModelRef,
			State:     info.State,
			CreatedAt: info.CreatedAt.UTC(),
			UpdatedAt: info.UpdatedAt.UTC(),
		}
	}
	for _, m := range idx.records {
		snap.Records = append(snap.Records, m)
	}
	idx.mu.RUnlock()

	slices.SortFunc(snap.Records, func(a, b Mapping) int {
		if a.DataIndex != b.DataIndex {
			return a.DataIndex - b.DataIndex
		}
		if a.DataID < b.DataID {
			return -1
		}
		if a.DataID > b.DataID {
			return 1
		}
		return 0
	})
	return json.Marshal(snap)
}

// Restore rebuilds an Index from Snapshot output.
func Restore(data []byte, opts ...Option) (*Index, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode index snapshot: %v", errs.ErrConfiguration, err)
	}
	if snap.NumShards != len(snap.Shards) {
		return nil, fmt.Errorf("%w: snapshot lists %d shards but declares %d", errs.ErrConfiguration, len(snap.Shards), snap.NumShards)
	}
	shards := make([]*Shard, len(snap.Shards))
	for i, ss := range snap.Shards {
		if ss.Index != i {
			return nil, fmt.Errorf("%w: snapshot shard %d has index %d", errs.ErrConfiguration, i, ss.Index)
		}
		s := newShard(ss.ID, ss.Index, ss.CreatedAt)
		s.modelRef = ss.ModelRef
		s.state = ss.State
		s.updatedAt = ss.UpdatedAt
		shards[i] = s
	}
	idx := newIndex(shards, snap.NumRecords, snap.Seed, time.Now)
	for _, opt := range opts {
		opt(idx)
	}
	for _, m := range snap.Records {
		if err := idx.Assign(m.DataID, m.ShardIndex, m.DataIndex); err != nil {
			return nil, err
		}
	}
	for i, ss := range snap.Shards {
		if got := shards[i].NumSamples(); got != len(ss.Members) {
			return nil, fmt.Errorf("%w: shard %d has %d mapped records but %d members", errs.ErrConfiguration, i, got, len(ss.Members))
		}
	}
	return idx, nil
}
