package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
)

// TestDefault tests that the defaults are valid and self-contained
func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, ":memory:", cfg.Ledger.Path)

	arch := cfg.Architecture()
	assert.Equal(t, cfg.Dataset.Features, arch.InputDim)
	assert.Equal(t, cfg.Dataset.Classes, arch.NumClasses)
	assert.Equal(t, 5, cfg.ManagerConfig().NumShards)
	assert.Equal(t, "amnesia-ensemble", cfg.PipelineConfig().SubjectModelID)
}

// TestLoadFile tests that file values override defaults
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amnesia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sharding:
  num_shards: 3
  seed: 9
unlearn:
  alpha: 5
  epochs: 20
erasure:
  strategy: retrain
storage:
  backend: badger
  badger:
    path: /tmp/amnesia-artifacts
    gc_interval: 30s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sharding.NumShards)
	assert.Equal(t, int64(9), cfg.Sharding.Seed)
	assert.Equal(t, 5.0, cfg.Unlearn.Alpha)
	assert.Equal(t, 20, cfg.Unlearn.Epochs)
	assert.Equal(t, 0.1, cfg.Unlearn.Beta, "unset fields keep their defaults")
	assert.Equal(t, "retrain", cfg.Erasure.Strategy)
	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Storage.Badger.GCInterval)
}

// TestLoadEnvOverrides tests environment precedence
func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amnesia.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sharding:\n  num_shards: 3\n"), 0o644))

	t.Setenv("AMNESIA_NUM_SHARDS", "7")
	t.Setenv("AMNESIA_LOG_LEVEL", "debug")
	t.Setenv("AMNESIA_STRATEGY", "retrain")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sharding.NumShards)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "retrain", cfg.Erasure.Strategy)
}

// TestLoadErrors tests rejected configurations
func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad yaml", yaml: "sharding: [1, 2"},
		{name: "zero shards", yaml: "sharding:\n  num_shards: 0\n"},
		{name: "more shards than samples", yaml: "dataset:\n  samples: 3\nsharding:\n  num_shards: 4\n"},
		{name: "unknown strategy", yaml: "erasure:\n  strategy: shred\n"},
		{name: "unknown method", yaml: "erasure:\n  method: median\n"},
		{name: "unknown backend", yaml: "storage:\n  backend: s3\n"},
		{name: "bad unlearn", yaml: "unlearn:\n  learning_rate: 0\n"},
		{name: "bad log format", yaml: "logging:\n  format: xml\n"},
		{name: "bad env integer", env: map[string]string{"AMNESIA_NUM_SHARDS": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "amnesia.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

// TestSaveRoundTrip tests that a saved config loads back unchanged
func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sharding.NumShards = 4
	cfg.Erasure.Method = "vote"
	path := filepath.Join(t.TempDir(), "nested", "amnesia.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
