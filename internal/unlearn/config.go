package unlearn

import (
	"fmt"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/verify"
)

// Config holds the hyperparameters of one unlearning run. It is passed by
// value and never changes during the run.
type Config struct {
	// Alpha weights the forget loss (KL to uniform).
	Alpha float64 `yaml:"alpha"`
	// Beta weights the retain cross-entropy.
	Beta float64 `yaml:"beta"`
	// Gamma weights the Fisher-weighted drift penalty.
	Gamma float64 `yaml:"gamma"`

	LearningRate     float64 `yaml:"learning_rate"`
	Momentum         float64 `yaml:"momentum"`
	Epochs           int     `yaml:"epochs"`
	BatchSize        int     `yaml:"batch_size"`
	GradientClipNorm float64 `yaml:"gradient_clip_norm"`

	// UseImportance enables the Fisher estimate and the drift penalty.
	UseImportance bool `yaml:"use_importance"`
	// FisherSamples caps the retained samples used for Fisher. Zero uses all.
	FisherSamples int `yaml:"fisher_samples"`

	// VerificationThreshold bounds the mean forget confidence after the run.
	VerificationThreshold float64 `yaml:"verification_threshold"`
	// MinRetainAccuracy bounds the retain accuracy after the run.
	MinRetainAccuracy float64 `yaml:"min_retain_accuracy"`
	// Significance is the p-value cut-off of the verification tests.
	Significance float64 `yaml:"significance"`
	// StrictVerification also requires the statistical tests to pass.
	StrictVerification bool `yaml:"strict_verification"`

	Seed     int64 `yaml:"seed"`
	LogEvery int   `yaml:"log_every"`
}

// DefaultConfig returns the standard unlearning settings.
func DefaultConfig() Config {
	return Config{
		Alpha:                 10,
		Beta:                  0.1,
		Gamma:                 0.01,
		LearningRate:          0.01,
		Momentum:              0.9,
		Epochs:                100,
		BatchSize:             32,
		GradientClipNorm:      1,
		UseImportance:         true,
		VerificationThreshold: 0.6,
		MinRetainAccuracy:     0.85,
		Significance:          0.05,
		Seed:                  42,
		LogEvery:              10,
	}
}

// Validate rejects settings that cannot produce a meaningful run.
func (c Config) Validate() error {
	switch {
	case c.Alpha < 0 || c.Beta < 0 || c.Gamma < 0:
		return fmt.Errorf("%w: loss weights must be non-negative (alpha=%g beta=%g gamma=%g)", errs.ErrConfiguration, c.Alpha, c.Beta, c.Gamma)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", errs.ErrConfiguration, c.LearningRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return fmt.Errorf("%w: momentum must be in [0, 1), got %g", errs.ErrConfiguration, c.Momentum)
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs must be positive, got %d", errs.ErrConfiguration, c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be positive, got %d", errs.ErrConfiguration, c.BatchSize)
	case c.GradientClipNorm < 0:
		return fmt.Errorf("%w: gradient_clip_norm must be non-negative, got %g", errs.ErrConfiguration, c.GradientClipNorm)
	case c.FisherSamples < 0:
		return fmt.Errorf("%w: fisher_samples must be non-negative, got %d", errs.ErrConfiguration, c.FisherSamples)
	}
	return c.Criteria().Validate()
}

// Criteria returns the verification criteria the run is judged against.
func (c Config) Criteria() verify.Criteria {
	return verify.Criteria{
		ConfidenceThreshold: c.VerificationThreshold,
		MinRetainAccuracy:   c.MinRetainAccuracy,
		Significance:        c.Significance,
		Strict:              c.StrictVerification,
	}
}
