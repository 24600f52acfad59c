package coordinator

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
)

// TestRegistryAcquire tests the single-mutator rule
func TestRegistryAcquire(t *testing.T) {
	r := NewRegistry(2)
	assert.Equal(t, 2, r.NumShards())

	release, err := r.Acquire(0)
	require.NoError(t, err)

	_, err = r.Acquire(0)
	assert.ErrorIs(t, err, errs.ErrShardBusy)

	other, err := r.Acquire(1)
	require.NoError(t, err, "different shards must not block each other")
	other()

	release()
	release() // second call is a no-op

	again, err := r.Acquire(0)
	require.NoError(t, err)
	again()

	_, err = r.Acquire(5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Acquire(-1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestRegistryConcurrentAcquire tests that exactly one of many racing
// mutators wins
func TestRegistryConcurrentAcquire(t *testing.T) {
	r := NewRegistry(1)
	var wins, busy int32
	var start, wg sync.WaitGroup
	start.Add(1)
	hold := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			release, err := r.Acquire(0)
			if err != nil {
				atomic.AddInt32(&busy, 1)
				return
			}
			atomic.AddInt32(&wins, 1)
			<-hold
			release()
		}()
	}
	start.Done()
	// Wait until every loser has given up, then let the winner go.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&busy) == 19 }, timeout, tick)
	close(hold)
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

// TestRegistryModels tests install, lookup and drop
func TestRegistryModels(t *testing.T) {
	r := NewRegistry(3)

	_, err := r.Model(1)
	assert.ErrorIs(t, err, errs.ErrNotTrained)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Info(1)
	assert.ErrorIs(t, err, errs.ErrNotTrained)

	m := fixed(t, 1, 0)
	r.set(1, m, ModelInfo{RunID: "run-1", Origin: "train", Samples: 4})
	got, err := r.Model(1)
	require.NoError(t, err)
	assert.Same(t, m, got)
	info, err := r.Info(1)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ShardIndex)
	assert.Equal(t, "run-1", info.RunID)
	assert.Equal(t, []int{1}, r.Trained())

	r.drop(1)
	_, err = r.Model(1)
	assert.ErrorIs(t, err, errs.ErrNotTrained)
	assert.Empty(t, r.Trained())
}
