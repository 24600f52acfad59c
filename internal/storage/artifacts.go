package storage

import (
	"fmt"

	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/shard"
)

// IndexSnapshotKey holds the latest shard index snapshot.
const IndexSnapshotKey = "index/snapshot"

// ModelKey is the key of the model trained for shardIndex by run runID.
func ModelKey(shardIndex int, runID string) string {
	return fmt.Sprintf("%s%s", ModelPrefix(shardIndex), runID)
}

// ModelPrefix is the key prefix of every model stored for shardIndex.
func ModelPrefix(shardIndex int) string {
	return fmt.Sprintf("model/%03d/", shardIndex)
}

// Artifacts stores models and index snapshots on top of a Store.
type Artifacts struct {
	store Store
}

// NewArtifacts wraps store.
func NewArtifacts(store Store) *Artifacts {
	return &Artifacts{store: store}
}

// Store returns the underlying store.
func (a *Artifacts) Store() Store { return a.store }

// SaveModel encodes m and stores it under ModelKey(shardIndex, runID).
func (a *Artifacts) SaveModel(shardIndex int, runID string, m model.TrainableModel) (string, error) {
	data, err := model.Encode(m)
	if err != nil {
		return "", err
	}
	key := ModelKey(shardIndex, runID)
	if err := a.store.Put(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// LoadModel decodes the model stored at key.
func (a *Artifacts) LoadModel(key string) (model.TrainableModel, error) {
	data, err := a.store.Get(key)
	if err != nil {
		return nil, err
	}
	m, err := model.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode model %q: %w", key, err)
	}
	return m, nil
}

// ModelKeys lists every stored model key for shardIndex.
func (a *Artifacts) ModelKeys(shardIndex int) ([]string, error) {
	return a.store.List(ModelPrefix(shardIndex))
}

// SaveIndex stores a snapshot of idx.
func (a *Artifacts) SaveIndex(idx *shard.Index) error {
	data, err := idx.Snapshot()
	if err != nil {
		return &Error{Op: "snapshot", Key: IndexSnapshotKey, Err: err}
	}
	return a.store.Put(IndexSnapshotKey, data)
}

// LoadIndex restores the last saved index.
func (a *Artifacts) LoadIndex(opts ...shard.Option) (*shard.Index, error) {
	data, err := a.store.Get(IndexSnapshotKey)
	if err != nil {
		return nil, err
	}
	return shard.Restore(data, opts...)
}
