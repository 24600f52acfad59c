package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/storage"
	"github.com/dreamware/amnesia/internal/train"
	"github.com/dreamware/amnesia/internal/unlearn"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var fixedClock = func() time.Time { return time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC) }

// fixed returns a model that ignores its input and always emits logits.
func fixed(t *testing.T, logits ...float64) model.TrainableModel {
	t.Helper()
	m, err := model.NewMLP(model.Architecture{InputDim: 1, NumClasses: len(logits)}, 1)
	require.NoError(t, err)
	m.Params().Zero()
	copy(m.Params()["classifier.bias"].Data, logits)
	return m
}

func blobs(t *testing.T, n int) *dataset.InMemory {
	t.Helper()
	ds, err := dataset.Blobs(dataset.BlobsConfig{
		Samples: n, Features: 2, Classes: 2, Separation: 4, Noise: 0.5, Seed: 11,
	})
	require.NoError(t, err)
	return ds
}

func managerConfig(shards int) ManagerConfig {
	return ManagerConfig{
		NumShards:    shards,
		Seed:         7,
		Parallelism:  2,
		Architecture: model.Architecture{InputDim: 2, HiddenDims: []int{8}, NumClasses: 2},
		Train:        train.Config{Epochs: 15, BatchSize: 8, LearningRate: 0.01, Seed: 7},
	}
}

func newManager(t *testing.T, shards int, store storage.Store) *Manager {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	m, err := NewManager(managerConfig(shards), storage.NewArtifacts(store), nil, WithClock(fixedClock))
	require.NoError(t, err)
	return m
}

func pipelineConfig() PipelineConfig {
	cfg := unlearn.DefaultConfig()
	cfg.Epochs = 5
	cfg.BatchSize = 4
	cfg.MinRetainAccuracy = 0
	cfg.VerificationThreshold = 1
	return PipelineConfig{
		SubjectModelID: "blobs-ensemble",
		Issuer:         "amnesia-test",
		Method:         MethodMean,
		Parallelism:    2,
		Unlearn:        cfg,
	}
}
