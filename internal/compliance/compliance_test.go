package compliance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/verify"
)

var issued = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleInput() Input {
	return Input{
		SubjectModelID:         "shard-ensemble",
		ErasedDataIDs:          []string{"data_3", "data_7"},
		ForgetConfidenceBefore: 0.97,
		Verification: verify.Result{
			ForgetMeanConfidence: 0.41,
			RetainAccuracy:       0.93,
			Success:              true,
			Tests: []verify.TestOutcome{
				{Name: verify.TestForgetVsRandom, Statistic: 1.2, PValue: 0.3, Passed: true},
			},
		},
		ModelWeightsHash: "abc123",
		Strategy:         "unlearn",
		Shards:           []int{1},
	}
}

// TestNewRecord tests record construction from a verification result
func TestNewRecord(t *testing.T) {
	r, err := NewRecord(sampleInput(), issued)
	require.NoError(t, err)

	assert.NotEmpty(t, r.CertificateID)
	assert.Equal(t, issued, r.IssuedAt)
	assert.Equal(t, 0.41, r.ForgetConfidenceAfter)
	assert.Equal(t, 0.93, r.RetainAccuracyAfter)
	assert.True(t, r.Success)
	assert.InDelta(t, 0.56, r.ConfidenceDrop(), 1e-12)
	assert.Len(t, r.Tests, 1)

	other, err := NewRecord(sampleInput(), issued)
	require.NoError(t, err)
	assert.NotEqual(t, r.CertificateID, other.CertificateID)
}

// TestRecordValidate tests rejection of incomplete records
func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"missing subject", func(in *Input) { in.SubjectModelID = "" }},
		{"no erased ids", func(in *Input) { in.ErasedDataIDs = nil }},
		{"confidence above one", func(in *Input) { in.ForgetConfidenceBefore = 1.5 }},
		{"negative accuracy", func(in *Input) { in.Verification.RetainAccuracy = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)
			_, err := NewRecord(in, issued)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}

	assert.ErrorIs(t, Record{CertificateID: "nope"}.Validate(), errs.ErrConfiguration)
}

// TestRecordJSON tests the wire field names
func TestRecordJSON(t *testing.T) {
	r, err := NewRecord(sampleInput(), issued)
	require.NoError(t, err)
	data, err := r.JSON()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{
		"certificate_id", "issued_at", "subject_model_id", "erased_data_ids",
		"forget_confidence_before", "forget_confidence_after",
		"retain_accuracy_after", "success", "model_weights_hash",
	} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "2026-03-01T12:00:00Z", fields["issued_at"])
}

// TestLedger tests save, get and list against SQLite
func TestLedger(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer ledger.Close()

	first, err := NewRecord(sampleInput(), issued)
	require.NoError(t, err)
	second, err := NewRecord(sampleInput(), issued.Add(time.Hour))
	require.NoError(t, err)
	in := sampleInput()
	in.SubjectModelID = "other-model"
	third, err := NewRecord(in, issued.Add(30*time.Minute))
	require.NoError(t, err)

	for _, r := range []Record{second, first, third} {
		require.NoError(t, ledger.Save(ctx, r))
	}
	assert.ErrorIs(t, ledger.Save(ctx, first), errs.ErrStorage)
	assert.ErrorIs(t, ledger.Save(ctx, Record{}), errs.ErrConfiguration)

	got, err := ledger.Get(ctx, first.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	list, err := ledger.List(ctx, "shard-ensemble")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.CertificateID, list[0].CertificateID)
	assert.Equal(t, second.CertificateID, list[1].CertificateID)

	all, err := ledger.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.CertificateID, all[1].CertificateID)
}

// TestLedgerInMemory tests the throwaway ledger
func TestLedgerInMemory(t *testing.T) {
	ledger, err := OpenLedger(":memory:", nil)
	require.NoError(t, err)
	defer ledger.Close()

	r, err := NewRecord(sampleInput(), issued)
	require.NoError(t, err)
	require.NoError(t, ledger.Save(context.Background(), r))
	list, err := ledger.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
