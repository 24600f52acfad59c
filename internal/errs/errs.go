// Package errs holds the error taxonomy shared by every amnesia package.
//
// Callers classify failures with errors.Is against these sentinels; producers
// wrap them with context using fmt.Errorf("...: %w", errs.ErrX).
package errs

import "errors"

var (
	// ErrConfiguration rejects a request before any work starts: bad shard
	// count, mismatched id/record lengths, invalid hyperparameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound covers unknown data ids, unknown shard indices and
	// missing stored artifacts. Recoverable by the caller.
	ErrNotFound = errors.New("not found")

	// ErrNotTrained is returned when a shard has no model yet.
	ErrNotTrained = notTrained{}

	// ErrEmptyShard means every member of a shard has been deleted.
	ErrEmptyShard = errors.New("shard has no remaining members")

	// ErrEmptyForgetSet marks an unlearning run that had nothing to forget.
	ErrEmptyForgetSet = errors.New("forget set is empty")

	// ErrTrainingDiverged is returned when a loss becomes NaN or infinite.
	ErrTrainingDiverged = errors.New("training diverged")

	// ErrStorage wraps every persistence failure.
	ErrStorage = errors.New("storage error")

	// ErrShardBusy rejects a second mutating operation on a shard while one
	// is already in flight.
	ErrShardBusy = errors.New("shard has a mutating operation in flight")

	// ErrEmptyAggregator is returned by Predict when no shard is registered.
	ErrEmptyAggregator = errors.New("aggregator has no shards")
)

// notTrained is a NotFound specialisation so errors.Is(err, ErrNotFound)
// holds for untrained shards too.
type notTrained struct{}

func (notTrained) Error() string { return "model not trained" }

func (notTrained) Is(target error) bool { return target == ErrNotFound }
