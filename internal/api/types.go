package api

import (
	"github.com/dreamware/amnesia/internal/shard"
)

// ShardHealth is the monitor's view of one served shard.
type ShardHealth struct {
	Status           string `json:"status"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	LastCheck        string `json:"last_check,omitempty"` // RFC 3339
}

// ShardStatus is one row of the /shards response.
type ShardStatus struct {
	shard.Info
	Serving bool         `json:"serving"`
	Weight  float64      `json:"weight,omitempty"`
	Health  *ShardHealth `json:"health,omitempty"`
}

// PredictRequest asks for the ensemble distribution of one input.
type PredictRequest struct {
	Input []float64 `json:"input"`
}

// PredictResponse carries the class distribution and its argmax. Under the
// vote method Probabilities holds vote counts.
type PredictResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Class         int       `json:"class"`
}
