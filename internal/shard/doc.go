// Package shard implements SISA-style partitioning of a training set into
// disjoint shards, and the index that remembers which shard holds which
// record.
//
// # Overview
//
// Training one model per shard bounds the cost of forgetting: deleting a
// record only invalidates the model of the shard that held it. This package
// owns the bookkeeping side of that contract. It does not train anything.
//
// # Partitioning
//
// Partition(n, k, seed) permutes 0..n-1 with a seeded generator and cuts the
// permutation into k contiguous runs. The first n%k shards receive one
// extra record:
//
//	n = 10, k = 3
//	permutation: [7 2 9 0 4 1 8 3 6 5]
//	shard 0:     [7 2 9 0]
//	shard 1:     [4 1 8]
//	shard 2:     [3 6 5]
//
// The same (n, k, seed) always produces the same assignment, and every shard
// receives a stable ID derived from those parameters, so a rebuilt partition
// is indistinguishable from the original.
//
// # Index
//
// Index maps each data id to a Mapping (shard index, data index) and keeps
// each Shard's member set in step with that map:
//
//	Assign(id, shard, dataIndex)  add a record
//	Lookup(id)                    owning shard, or errs.ErrNotFound
//	Remove(id)                    drop the record from map and shard together
//	MembersOf(shard)              sorted member data indices
//	GroupByShard(ids)             bucket a deletion batch by shard
//
// Removal is the only mutation after partitioning. Removing an id twice
// returns errs.ErrNotFound the second time; callers treat that as a signal,
// not a failure.
//
// # Concurrency Model
//
// The Index holds one RWMutex over the mapping. Each Shard carries its own
// RWMutex for its member set and metadata. Mutations always take the Index
// lock first, then the Shard lock.
//
// # Persistence
//
// Snapshot encodes the index as JSON with shards in index order and records
// in data index order. With a fixed Clock two identical partitions encode to
// identical bytes. Restore rebuilds an equivalent Index from that encoding.
//
// # Usage Example
//
//	p := shard.NewPartitioner(5, 42)
//	idx, err := p.Partition(ds.Len(), ids)
//	if err != nil {
//	    return err
//	}
//	shardIndex, err := idx.Remove("user-1234")
//	if errors.Is(err, errs.ErrNotFound) {
//	    // already forgotten
//	}
package shard
