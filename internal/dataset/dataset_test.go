package dataset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
)

// TestInMemory tests construction and bounds checking
func TestInMemory(t *testing.T) {
	_, err := NewInMemory([][]float64{{1}}, []int{0, 1})
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	ds, err := NewInMemory([][]float64{{1}, {2}}, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	s, err := ds.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, s.Input)
	assert.Equal(t, 1, s.Label)

	_, err = ds.Sample(2)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestSubset tests index remapping through a subset view
func TestSubset(t *testing.T) {
	ds, err := NewInMemory([][]float64{{0}, {1}, {2}, {3}}, []int{0, 1, 0, 1})
	require.NoError(t, err)

	sub := Subset(ds, []int{3, 1})
	assert.Equal(t, 2, sub.Len())
	s, err := sub.Sample(0)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, s.Input)
	assert.Equal(t, []int{3, 1}, sub.Indices())

	_, err = sub.Sample(5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// TestBatches tests batch sizes and coverage with and without shuffling
func TestBatches(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"even split", 6, 3, []int{3, 3}},
		{"ragged tail", 7, 3, []int{3, 3, 1}},
		{"batch larger than n", 2, 10, []int{2}},
		{"empty", 0, 4, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := Batches(tt.n, tt.size, rand.New(rand.NewSource(1)))
			var sizes []int
			seen := map[int]bool{}
			for _, b := range batches {
				sizes = append(sizes, len(b))
				for _, i := range b {
					seen[i] = true
				}
			}
			assert.Equal(t, tt.sizes, sizes)
			assert.Len(t, seen, tt.n)
		})
	}
}

// TestBlobs tests that the synthetic generator is deterministic and balanced
func TestBlobs(t *testing.T) {
	cfg := BlobsConfig{Samples: 30, Features: 2, Classes: 3, Separation: 4, Noise: 0.5, Seed: 9}
	a, err := Blobs(cfg)
	require.NoError(t, err)
	b, err := Blobs(cfg)
	require.NoError(t, err)

	all, err := All(a)
	require.NoError(t, err)
	again, err := All(b)
	require.NoError(t, err)
	assert.Equal(t, all, again)

	counts := map[int]int{}
	for _, s := range all {
		counts[s.Label]++
	}
	assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 10}, counts)

	n, err := NumClasses(a)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Blobs(BlobsConfig{Samples: 1, Features: 1, Classes: 1})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Equal(t, []string{"data_0", "data_1"}, DataIDs(2))
}
