package dataset

import (
	"fmt"
	"math/rand"

	"github.com/dreamware/amnesia/internal/errs"
)

// BlobsConfig describes a Gaussian-blob classification problem: one
// isotropic cluster per class, centres placed on a scaled simplex-like grid.
type BlobsConfig struct {
	Samples    int     `yaml:"samples"`
	Features   int     `yaml:"features"`
	Classes    int     `yaml:"classes"`
	Separation float64 `yaml:"separation"`
	Noise      float64 `yaml:"noise"`
	Seed       int64   `yaml:"seed"`
}

// Blobs generates a deterministic synthetic dataset. Labels cycle through the
// classes so every class is represented equally.
func Blobs(cfg BlobsConfig) (*InMemory, error) {
	if cfg.Samples < 1 || cfg.Features < 1 || cfg.Classes < 2 {
		return nil, fmt.Errorf("%w: blobs need samples>=1, features>=1, classes>=2", errs.ErrConfiguration)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	centres := make([][]float64, cfg.Classes)
	for c := range centres {
		centres[c] = make([]float64, cfg.Features)
		for f := range centres[c] {
			centres[c][f] = cfg.Separation * (2*rng.Float64() - 1)
		}
		// Pin one coordinate per class so centres stay apart for small
		// feature counts.
		centres[c][c%cfg.Features] += cfg.Separation * float64(c+1)
	}
	inputs := make([][]float64, cfg.Samples)
	labels := make([]int, cfg.Samples)
	for i := range inputs {
		c := i % cfg.Classes
		x := make([]float64, cfg.Features)
		for f := range x {
			x[f] = centres[c][f] + cfg.Noise*rng.NormFloat64()
		}
		inputs[i] = x
		labels[i] = c
	}
	return NewInMemory(inputs, labels)
}

// DataIDs returns "data_<i>" identifiers for n records.
func DataIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("data_%d", i)
	}
	return ids
}
