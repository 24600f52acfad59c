package shard

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/amnesia/internal/errs"
)

// shardNamespace scopes the name-based shard UUIDs.
var shardNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dreamware/amnesia/shard"))

// Partition assigns record indices 0..n-1 to k shards: a seeded permutation
// followed by a contiguous split in which the first n%k shards receive one
// extra record. The same (n, k, seed) always yields the same partition.
func Partition(n, k int, seed int64) ([][]int, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", errs.ErrConfiguration, k)
	}
	if k > n {
		return nil, fmt.Errorf("%w: shard count %d exceeds record count %d", errs.ErrConfiguration, k, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	base, extra := n/k, n%k
	parts := make([][]int, k)
	start := 0
	for i := range parts {
		size := base
		if i < extra {
			size++
		}
		parts[i] = perm[start : start+size : start+size]
		start += size
	}
	return parts, nil
}

// ShardID is the stable identifier of shard i in a (n, k, seed) partition.
func ShardID(n, k int, seed int64, i int) string {
	return uuid.NewSHA1(shardNamespace, []byte(fmt.Sprintf("%d/%d/%d/%d", n, k, seed, i))).String()
}

// Partitioner builds an Index from a list of record ids.
type Partitioner struct {
	NumShards int
	Seed      int64

	opts []Option
}

// NewPartitioner returns a partitioner for k shards. Options are passed on to
// every Index it builds.
func NewPartitioner(k int, seed int64, opts ...Option) *Partitioner {
	return &Partitioner{NumShards: k, Seed: seed, opts: opts}
}

// Partition splits numRecords records into shards and maps each record's id.
// With no ids, records are named "data_<i>". Otherwise len(ids) must equal
// numRecords and ids must be unique.
func (p *Partitioner) Partition(numRecords int, ids []string) (*Index, error) {
	if len(ids) == 0 {
		ids = make([]string, numRecords)
		for i := range ids {
			ids[i] = fmt.Sprintf("data_%d", i)
		}
	}
	if len(ids) != numRecords {
		return nil, fmt.Errorf("%w: %d data ids for %d records", errs.ErrConfiguration, len(ids), numRecords)
	}
	parts, err := Partition(numRecords, p.NumShards, p.Seed)
	if err != nil {
		return nil, err
	}

	idx := newIndex(nil, numRecords, p.Seed, time.Now)
	for _, opt := range p.opts {
		opt(idx)
	}
	created := idx.now()
	idx.shards = make([]*Shard, p.NumShards)
	for i := range idx.shards {
		idx.shards[i] = newShard(ShardID(numRecords, p.NumShards, p.Seed, i), i, created)
	}
	for i, part := range parts {
		for _, dataIndex := range part {
			if err := idx.Assign(ids[dataIndex], i, dataIndex); err != nil {
				return nil, err
			}
		}
	}
	return idx, nil
}
