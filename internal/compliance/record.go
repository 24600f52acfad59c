// Package compliance produces the erasure record handed to external
// reporting, and keeps a ledger of every record issued.
//
// A Record states which data ids were erased from which model, how the
// model's confidence on them changed, and whether verification passed. It is
// data only: rendering and signing happen elsewhere.
package compliance

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/verify"
)

// Record is the erasure certificate contract.
type Record struct {
	CertificateID          string    `json:"certificate_id"`
	IssuedAt               time.Time `json:"issued_at"`
	SubjectModelID         string    `json:"subject_model_id"`
	ErasedDataIDs          []string  `json:"erased_data_ids"`
	ForgetConfidenceBefore float64   `json:"forget_confidence_before"`
	ForgetConfidenceAfter  float64   `json:"forget_confidence_after"`
	RetainAccuracyAfter    float64   `json:"retain_accuracy_after"`
	Success                bool      `json:"success"`
	ModelWeightsHash       string    `json:"model_weights_hash,omitempty"`

	Issuer   string               `json:"issuer,omitempty"`
	Strategy string               `json:"strategy,omitempty"`
	Shards   []int                `json:"shards,omitempty"`
	Tests    []verify.TestOutcome `json:"tests,omitempty"`
}

// Input carries what NewRecord needs from an erasure run.
type Input struct {
	SubjectModelID         string
	ErasedDataIDs          []string
	ForgetConfidenceBefore float64
	Verification           verify.Result
	ModelWeightsHash       string
	Issuer                 string
	Strategy               string
	Shards                 []int
}

// NewRecord issues a record with a fresh certificate id. Success and the
// after-metrics come from the verification result.
func NewRecord(in Input, now time.Time) (Record, error) {
	r := Record{
		CertificateID:          uuid.NewString(),
		IssuedAt:               now.UTC(),
		SubjectModelID:         in.SubjectModelID,
		ErasedDataIDs:          append([]string(nil), in.ErasedDataIDs...),
		ForgetConfidenceBefore: in.ForgetConfidenceBefore,
		ForgetConfidenceAfter:  in.Verification.ForgetMeanConfidence,
		RetainAccuracyAfter:    in.Verification.RetainAccuracy,
		Success:                in.Verification.Success,
		ModelWeightsHash:       in.ModelWeightsHash,
		Issuer:                 in.Issuer,
		Strategy:               in.Strategy,
		Shards:                 append([]int(nil), in.Shards...),
		Tests:                  append([]verify.TestOutcome(nil), in.Verification.Tests...),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks required fields and value ranges.
func (r Record) Validate() error {
	if _, err := uuid.Parse(r.CertificateID); err != nil {
		return fmt.Errorf("%w: certificate_id %q is not a uuid", errs.ErrConfiguration, r.CertificateID)
	}
	if r.IssuedAt.IsZero() {
		return fmt.Errorf("%w: issued_at is required", errs.ErrConfiguration)
	}
	if r.SubjectModelID == "" {
		return fmt.Errorf("%w: subject_model_id is required", errs.ErrConfiguration)
	}
	if len(r.ErasedDataIDs) == 0 {
		return fmt.Errorf("%w: erased_data_ids is empty", errs.ErrConfiguration)
	}
	for name, v := range map[string]float64{
		"forget_confidence_before": r.ForgetConfidenceBefore,
		"forget_confidence_after":  r.ForgetConfidenceAfter,
		"retain_accuracy_after":    r.RetainAccuracyAfter,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1], got %g", errs.ErrConfiguration, name, v)
		}
	}
	return nil
}

// ConfidenceDrop is before minus after.
func (r Record) ConfidenceDrop() float64 {
	return r.ForgetConfidenceBefore - r.ForgetConfidenceAfter
}

// JSON renders the record as indented JSON.
func (r Record) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
