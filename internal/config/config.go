// Package config loads amnesia's settings from a YAML file with
// environment overrides.
//
// Precedence is environment > file > defaults. Environment variables use
// the AMNESIA_ prefix and cover the settings most often changed per
// deployment; everything else lives in the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/amnesia/internal/coordinator"
	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
	"github.com/dreamware/amnesia/internal/storage"
	"github.com/dreamware/amnesia/internal/train"
	"github.com/dreamware/amnesia/internal/unlearn"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AMNESIA_"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config holds all configuration for the amnesia CLI.
type Config struct {
	Dataset  dataset.BlobsConfig `yaml:"dataset"`
	Sharding ShardingConfig      `yaml:"sharding"`
	Model    ModelConfig         `yaml:"model"`
	Train    train.Config        `yaml:"train"`
	Unlearn  unlearn.Config      `yaml:"unlearn"`
	Erasure  ErasureConfig       `yaml:"erasure"`
	Storage  StorageConfig       `yaml:"storage"`
	Ledger   LedgerConfig        `yaml:"ledger"`
	Logging  LoggingConfig       `yaml:"logging"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

// ShardingConfig configures partitioning.
type ShardingConfig struct {
	NumShards   int   `yaml:"num_shards"`
	Seed        int64 `yaml:"seed"`
	Parallelism int   `yaml:"parallelism"`
}

// ModelConfig configures the per-shard MLP. Input width and class count
// come from the dataset.
type ModelConfig struct {
	HiddenDims []int `yaml:"hidden_dims"`
}

// ErasureConfig configures the erasure pipeline.
type ErasureConfig struct {
	Strategy       string `yaml:"strategy"` // retrain, unlearn
	Method         string `yaml:"method"`   // mean, vote, weighted
	SubjectModelID string `yaml:"subject_model_id"`
	Issuer         string `yaml:"issuer"`
}

// StorageConfig selects the artifact store.
type StorageConfig struct {
	Backend string               `yaml:"backend"` // memory, badger
	Badger  storage.BadgerConfig `yaml:"badger"`
}

// LedgerConfig locates the compliance ledger.
type LedgerConfig struct {
	Path string `yaml:"path"` // SQLite file, or ":memory:"
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Dataset: dataset.BlobsConfig{
			Samples:    600,
			Features:   4,
			Classes:    3,
			Separation: 4,
			Noise:      0.8,
			Seed:       42,
		},
		Sharding: ShardingConfig{NumShards: 5, Seed: 42},
		Model:    ModelConfig{HiddenDims: []int{32, 16}},
		Train:    train.DefaultConfig(),
		Unlearn:  unlearn.DefaultConfig(),
		Erasure: ErasureConfig{
			Strategy:       string(coordinator.StrategyUnlearn),
			Method:         string(coordinator.MethodMean),
			SubjectModelID: "amnesia-ensemble",
			Issuer:         "amnesia",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Badger:  storage.DefaultBadgerConfig("data/artifacts"),
		},
		Ledger:  LedgerConfig{Path: ":memory:"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config %s: %v", errs.ErrConfiguration, path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FORMAT":      &c.Logging.Format,
		"STORAGE_BACKEND": &c.Storage.Backend,
		"STORAGE_PATH":    &c.Storage.Badger.Path,
		"LEDGER_PATH":     &c.Ledger.Path,
		"STRATEGY":        &c.Erasure.Strategy,
		"METHOD":          &c.Erasure.Method,
		"METRICS_ADDR":    &c.Metrics.Addr,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "NUM_SHARDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sNUM_SHARDS=%q is not an integer", errs.ErrConfiguration, EnvPrefix, v)
		}
		c.Sharding.NumShards = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSEED=%q is not an integer", errs.ErrConfiguration, EnvPrefix, v)
		}
		c.Sharding.Seed = n
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Dataset.Samples < 1 || c.Dataset.Classes < 2 {
		return fmt.Errorf("%w: dataset needs samples >= 1 and classes >= 2", errs.ErrConfiguration)
	}
	if err := c.ManagerConfig().Validate(); err != nil {
		return err
	}
	if c.Sharding.NumShards > c.Dataset.Samples {
		return fmt.Errorf("%w: %d shards for %d samples", errs.ErrConfiguration, c.Sharding.NumShards, c.Dataset.Samples)
	}
	if _, err := coordinator.ParseStrategy(c.Erasure.Strategy); err != nil {
		return err
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return fmt.Errorf("%w: storage.badger.path is required", errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", errs.ErrConfiguration, c.Storage.Backend)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("%w: ledger.path is required", errs.ErrConfiguration)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", errs.ErrConfiguration, c.Logging.Format)
	}
	return nil
}

// Architecture is the per-shard model shape for the configured dataset.
func (c *Config) Architecture() model.Architecture {
	return model.Architecture{
		InputDim:   c.Dataset.Features,
		HiddenDims: append([]int(nil), c.Model.HiddenDims...),
		NumClasses: c.Dataset.Classes,
	}
}

// ManagerConfig builds the lifecycle manager settings.
func (c *Config) ManagerConfig() coordinator.ManagerConfig {
	return coordinator.ManagerConfig{
		NumShards:    c.Sharding.NumShards,
		Seed:         c.Sharding.Seed,
		Parallelism:  c.Sharding.Parallelism,
		Architecture: c.Architecture(),
		Train:        c.Train,
	}
}

// PipelineConfig builds the erasure pipeline settings.
func (c *Config) PipelineConfig() coordinator.PipelineConfig {
	return coordinator.PipelineConfig{
		SubjectModelID: c.Erasure.SubjectModelID,
		Issuer:         c.Erasure.Issuer,
		Method:         coordinator.Method(c.Erasure.Method),
		Parallelism:    c.Sharding.Parallelism,
		Unlearn:        c.Unlearn,
	}
}
