package shard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
)

var fixedClock = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

// TestPartition tests completeness, disjointness and sizes
func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n, k  int
		sizes []int
	}{
		{"even split", 12, 4, []int{3, 3, 3, 3}},
		{"remainder goes to first shards", 10, 3, []int{4, 3, 3}},
		{"one shard", 7, 1, []int{7}},
		{"one record per shard", 5, 5, []int{1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Partition(tt.n, tt.k, 42)
			require.NoError(t, err)
			require.Len(t, parts, tt.k)

			seen := make(map[int]int)
			for i, part := range parts {
				assert.Len(t, part, tt.sizes[i], "shard %d", i)
				for _, idx := range part {
					seen[idx]++
				}
			}
			assert.Len(t, seen, tt.n)
			for idx, count := range seen {
				assert.Equal(t, 1, count, "record %d assigned %d times", idx, count)
			}
		})
	}
}

// TestPartitionDeterminism tests that the seed fixes the assignment
func TestPartitionDeterminism(t *testing.T) {
	a, err := Partition(100, 5, 42)
	require.NoError(t, err)
	b, err := Partition(100, 5, 42)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different partitions (-first +second):\n%s", diff)
	}

	c, err := Partition(100, 5, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

// TestPartitionInvalid tests rejection of impossible shard counts
func TestPartitionInvalid(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{10, 0}, {3, 4}, {0, 1}} {
		t.Run(fmt.Sprintf("n=%d,k=%d", tc.n, tc.k), func(t *testing.T) {
			_, err := Partition(tc.n, tc.k, 1)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

// TestPartitioner tests index construction from ids
func TestPartitioner(t *testing.T) {
	t.Run("generated ids", func(t *testing.T) {
		idx, err := NewPartitioner(3, 7).Partition(9, nil)
		require.NoError(t, err)
		assert.Equal(t, 9, idx.TotalSamples())
		assert.Equal(t, 3, idx.NumShards())

		s, err := idx.Lookup("data_4")
		require.NoError(t, err)
		members, err := idx.MembersOf(s)
		require.NoError(t, err)
		assert.Contains(t, members, 4)
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := NewPartitioner(2, 7).Partition(3, []string{"a", "b"})
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		_, err := NewPartitioner(2, 7).Partition(3, []string{"a", "b", "a"})
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("stable shard ids", func(t *testing.T) {
		a, err := NewPartitioner(2, 7).Partition(4, nil)
		require.NoError(t, err)
		b, err := NewPartitioner(2, 7).Partition(4, nil)
		require.NoError(t, err)
		sa, _ := a.Shard(1)
		sb, _ := b.Shard(1)
		assert.Equal(t, sa.ID, sb.ID)
		assert.Equal(t, ShardID(4, 2, 7, 1), sa.ID)
		assert.NotEqual(t, ShardID(4, 2, 7, 0), sa.ID)
	})
}

// TestIndexRemove tests that removal keeps mapping and members consistent
func TestIndexRemove(t *testing.T) {
	idx, err := NewPartitioner(4, 1).Partition(20, nil)
	require.NoError(t, err)

	shardIndex, err := idx.Lookup("data_3")
	require.NoError(t, err)
	before, err := idx.MembersOf(shardIndex)
	require.NoError(t, err)

	got, err := idx.Remove("data_3")
	require.NoError(t, err)
	assert.Equal(t, shardIndex, got)

	_, err = idx.Lookup("data_3")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	after, err := idx.MembersOf(shardIndex)
	require.NoError(t, err)
	assert.Len(t, after, len(before)-1)
	assert.NotContains(t, after, 3)

	s, _ := idx.Shard(shardIndex)
	assert.Equal(t, uint64(1), s.GetStats().Removals)

	_, err = idx.Remove("data_3")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 19, idx.TotalSamples())

	// Every remaining id is a member of exactly the shard it maps to.
	total := 0
	for i := 0; i < idx.NumShards(); i++ {
		members, err := idx.MembersOf(i)
		require.NoError(t, err)
		total += len(members)
	}
	assert.Equal(t, idx.TotalSamples(), total)
}

// TestIndexEmptyShard tests the transition to the empty state
func TestIndexEmptyShard(t *testing.T) {
	idx, err := NewPartitioner(2, 3).Partition(4, nil)
	require.NoError(t, err)

	members, err := idx.MembersOf(0)
	require.NoError(t, err)
	for _, m := range members {
		_, err := idx.Remove(fmt.Sprintf("data_%d", m))
		require.NoError(t, err)
	}

	s, err := idx.Shard(0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.NumSamples())
	assert.Equal(t, ShardStateEmpty, s.State())

	s.SetState(ShardStateActive)
	assert.Equal(t, ShardStateEmpty, s.State())

	require.NoError(t, idx.Assign("data_back", 0, members[0]))
	assert.Equal(t, ShardStateActive, s.State(), "a reinstated member revives the shard")
	assert.Equal(t, 1, s.NumSamples())

	_, err = idx.Shard(2)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestGroupByShard tests batching of deletion requests
func TestGroupByShard(t *testing.T) {
	idx, err := NewPartitioner(3, 5).Partition(12, nil)
	require.NoError(t, err)

	groups, missing := idx.GroupByShard([]string{"data_0", "data_1", "nope", "data_11"})
	assert.Equal(t, []string{"nope"}, missing)

	n := 0
	for shardIndex, ids := range groups {
		for _, id := range ids {
			got, err := idx.Lookup(id)
			require.NoError(t, err)
			assert.Equal(t, shardIndex, got)
			n++
		}
	}
	assert.Equal(t, 3, n)
}

// TestSnapshotRoundTrip tests idempotent re-partitioning and restore
func TestSnapshotRoundTrip(t *testing.T) {
	build := func() *Index {
		idx, err := NewPartitioner(3, 42, WithClock(fixedClock)).Partition(30, nil)
		require.NoError(t, err)
		return idx
	}

	first, err := build().Snapshot()
	require.NoError(t, err)
	second, err := build().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	idx := build()
	_, err = idx.Remove("data_7")
	require.NoError(t, err)
	require.NoError(t, idx.SetModelRef(1, "model/001/run"))
	data, err := idx.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(data, WithClock(fixedClock))
	require.NoError(t, err)
	again, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	_, err = restored.Lookup("data_7")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	s, _ := restored.Shard(1)
	assert.Equal(t, "model/001/run", s.ModelRef())

	_, err = Restore([]byte("not json"))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

// TestConcurrentRemoval tests that concurrent removals never double count
func TestConcurrentRemoval(t *testing.T) {
	idx, err := NewPartitioner(4, 9).Partition(200, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := idx.Remove(fmt.Sprintf("data_%d", i)); err == nil {
					mu.Lock()
					removed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, removed)
	assert.Equal(t, 100, idx.TotalSamples())
}
