package mapping

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitl-pipeline/backend/pkg/models"
)

func TestClamp(t *testing.T) {
	cases := map[float64]float64{
		1.37:         1.0,
		-0.2:         0.0,
		0.5:          0.5,
		1.0:          1.0,
		0:            0,
		math.Inf(1):  1,
		math.Inf(-1): 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, Clamp(in), "clamp(%v)", in)
	}
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func TestClassify(t *testing.T) {
	policy := Policy{ApprovalThreshold: 0.9}
	matches := []RawMatch{
		{SourceColumn: "borrower.borrower_id", TargetColumn: "dim_borrower.borrower_key", Score: 0.95},
		{SourceColumn: "loan.loan_amount", TargetColumn: "fact_loan.outstanding_principal", Score: 1.37},
		{SourceColumn: "guarantor.name", TargetColumn: "dim_guarantor.guarantor_name", Score: 0.88},
		{SourceColumn: "loan.rate", TargetColumn: "fact_loan.apr", Score: -0.2, Rationale: "units differ"},
		{SourceColumn: "loan.term", TargetColumn: "fact_loan.term_months", Score: 0.9},
	}

	cands := policy.Classify("run-1", matches)
	require.Len(t, cands, len(matches))

	assert.Equal(t, models.MappingStatusApproved, cands[0].Status)
	assert.Equal(t, 1.0, cands[1].Confidence)
	assert.Equal(t, models.MappingStatusApproved, cands[1].Status)
	assert.Equal(t, models.MappingStatusPending, cands[2].Status)
	assert.Equal(t, "Mapping based on semantic similarity between guarantor.name and dim_guarantor.guarantor_name.", cands[2].Rationale)
	assert.Equal(t, 0.0, cands[3].Confidence)
	assert.Equal(t, "units differ", cands[3].Rationale)
	assert.Equal(t, models.MappingStatusApproved, cands[4].Status, "threshold is inclusive")

	ids := map[string]bool{}
	for _, c := range cands {
		assert.Equal(t, "run-1", c.RunID)
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
		ids[c.ID] = true
	}
	assert.Len(t, ids, len(cands))

	counts := Tally(cands)
	assert.Equal(t, Counts{Approved: 3, Pending: 2}, counts)
	assert.Equal(t, len(cands), counts.Total())
	assert.Len(t, Approved(cands), 3)
}

func TestTallyAlwaysSumsToCandidates(t *testing.T) {
	cands := DefaultPolicy().Classify("run-1", []RawMatch{
		{SourceColumn: "a", TargetColumn: "x", Score: 0.99},
		{SourceColumn: "b", TargetColumn: "y", Score: 0.5},
		{SourceColumn: "c", TargetColumn: "z", Score: 0.1},
	})
	assert.Equal(t, len(cands), Tally(cands).Total())

	cands[1].Status = models.MappingStatusRejected
	assert.Equal(t, len(cands), Tally(cands).Total())
	assert.Equal(t, 2, Tally(cands).Reviewed())
}

func TestParseSubmitPolicy(t *testing.T) {
	p, err := ParseSubmitPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SubmitKeep, p)

	p, err = ParseSubmitPolicy(" Approve ")
	require.NoError(t, err)
	status, ok := p.Resolution()
	assert.True(t, ok)
	assert.Equal(t, models.MappingStatusApproved, status)

	_, ok = SubmitKeep.Resolution()
	assert.False(t, ok)

	_, err = ParseSubmitPolicy("maybe")
	assert.Error(t, err)
}
