// Package train runs standard supervised training: minimise cross-entropy
// with Adam over shuffled mini-batches for a fixed number of epochs.
package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/model"
)

// Config holds the supervised training hyperparameters.
type Config struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Seed         int64   `yaml:"seed"`
	LogEvery     int     `yaml:"log_every"`
}

// DefaultConfig mirrors the defaults of the shard trainer.
func DefaultConfig() Config {
	return Config{Epochs: 50, BatchSize: 32, LearningRate: 0.001, Seed: 42, LogEvery: 10}
}

// Validate rejects non-positive epochs, batch sizes and learning rates.
func (c Config) Validate() error {
	if c.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be positive, got %d", errs.ErrConfiguration, c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", errs.ErrConfiguration, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %g", errs.ErrConfiguration, c.LearningRate)
	}
	return nil
}

// History records the mean loss and accuracy of every epoch.
type History struct {
	Loss     []float64 `json:"loss"`
	Accuracy []float64 `json:"accuracy"`
}

// Final returns the last epoch's loss and accuracy.
func (h History) Final() (loss, accuracy float64) {
	if len(h.Loss) == 0 {
		return 0, 0
	}
	return h.Loss[len(h.Loss)-1], h.Accuracy[len(h.Accuracy)-1]
}

// Fit trains m in place on ds. Cancellation is checked between epochs.
func Fit(ctx context.Context, m model.TrainableModel, ds dataset.Dataset, cfg Config, logger *zap.Logger) (History, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return History{}, err
	}
	samples, err := dataset.All(ds)
	if err != nil {
		return History{}, err
	}
	if len(samples) == 0 {
		return History{}, errs.ErrEmptyShard
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	opt := model.NewAdam(cfg.LearningRate)
	grads := m.Params().ZerosLike()
	var hist History

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		var epochLoss float64
		correct, batches := 0, 0
		for _, batch := range dataset.Batches(len(samples), cfg.BatchSize, rng) {
			grads.Zero()
			scale := 1 / float64(len(batch))
			var batchLoss float64
			for _, pos := range batch {
				s := samples[pos]
				logits := m.Logits(s.Input)
				if model.Argmax(logits) == s.Label {
					correct++
				}
				loss, dLogits := model.CrossEntropy(logits, s.Label)
				batchLoss += loss
				for i := range dLogits {
					dLogits[i] *= scale
				}
				m.Backward(s.Input, dLogits, grads)
			}
			batchLoss *= scale
			if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
				return hist, fmt.Errorf("%w: epoch %d loss is %v", errs.ErrTrainingDiverged, epoch+1, batchLoss)
			}
			opt.Step(m.Params(), grads)
			epochLoss += batchLoss
			batches++
		}
		hist.Loss = append(hist.Loss, epochLoss/float64(batches))
		hist.Accuracy = append(hist.Accuracy, float64(correct)/float64(len(samples)))

		if cfg.LogEvery > 0 && (epoch+1)%cfg.LogEvery == 0 {
			logger.Debug("epoch complete",
				zap.Int("epoch", epoch+1),
				zap.Int("epochs", cfg.Epochs),
				zap.Float64("loss", hist.Loss[epoch]),
				zap.Float64("accuracy", hist.Accuracy[epoch]))
		}
	}
	if !m.Params().IsFinite() {
		return hist, fmt.Errorf("%w: non-finite parameters after training", errs.ErrTrainingDiverged)
	}
	return hist, nil
}

// Evaluate returns the mean cross-entropy and accuracy of m on ds.
func Evaluate(m model.TrainableModel, ds dataset.Dataset) (loss, accuracy float64, err error) {
	n := ds.Len()
	if n == 0 {
		return 0, 0, nil
	}
	correct := 0
	for i := 0; i < n; i++ {
		s, err := ds.Sample(i)
		if err != nil {
			return 0, 0, err
		}
		logits := m.Logits(s.Input)
		l, _ := model.CrossEntropy(logits, s.Label)
		loss += l
		if model.Argmax(logits) == s.Label {
			correct++
		}
	}
	return loss / float64(n), float64(correct) / float64(n), nil
}
