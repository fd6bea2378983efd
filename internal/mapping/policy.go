// Package mapping classifies raw column matches into mapping candidates.
package mapping

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"hitl-pipeline/backend/pkg/models"
)

// DefaultApprovalThreshold is the confidence at or above which a candidate
// is approved without human review.
const DefaultApprovalThreshold = 0.95

// SubmitPolicy decides what happens to candidates left pending when a
// reviewer submits a batch of decisions.
type SubmitPolicy string

const (
	// SubmitKeep leaves untouched candidates pending.
	SubmitKeep SubmitPolicy = "keep"
	// SubmitApprove approves every candidate still pending at submission.
	SubmitApprove SubmitPolicy = "approve"
	// SubmitReject rejects every candidate still pending at submission.
	SubmitReject SubmitPolicy = "reject"
)

// ParseSubmitPolicy converts a configuration value.
func ParseSubmitPolicy(s string) (SubmitPolicy, error) {
	switch p := SubmitPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case SubmitKeep, SubmitApprove, SubmitReject:
		return p, nil
	case "":
		return SubmitKeep, nil
	}
	return "", fmt.Errorf("unknown submit policy %q", s)
}

// Resolution returns the status remaining candidates take on submission,
// or false when they stay pending.
func (p SubmitPolicy) Resolution() (models.MappingStatus, bool) {
	switch p {
	case SubmitApprove:
		return models.MappingStatusApproved, true
	case SubmitReject:
		return models.MappingStatusRejected, true
	}
	return "", false
}

// RawMatch is a similarity measurement between a source and a target column.
type RawMatch struct {
	SourceTable  string  `json:"source_table"`
	SourceColumn string  `json:"source_column"`
	TargetTable  string  `json:"target_table"`
	TargetColumn string  `json:"target_column"`
	Score        float64 `json:"similarity_score"`
	Rationale    string  `json:"rationale,omitempty"`
}

// Policy is the confidence-threshold classification of candidates.
type Policy struct {
	ApprovalThreshold float64
	OnSubmit          SubmitPolicy
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{ApprovalThreshold: DefaultApprovalThreshold, OnSubmit: SubmitKeep}
}

// Clamp normalizes a similarity score into [0,1]. NaN counts as no evidence.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}

// Classify turns raw matches into candidates for runID.
func (p Policy) Classify(runID string, matches []RawMatch) []models.MappingCandidate {
	now := time.Now().UTC()
	out := make([]models.MappingCandidate, 0, len(matches))
	for _, m := range matches {
		c := models.MappingCandidate{
			ID:           uuid.New().String(),
			RunID:        runID,
			SourceTable:  m.SourceTable,
			SourceColumn: m.SourceColumn,
			TargetTable:  m.TargetTable,
			TargetColumn: m.TargetColumn,
			Confidence:   Clamp(m.Score),
			Rationale:    m.Rationale,
			Status:       models.MappingStatusPending,
			UpdatedAt:    now,
		}
		if c.Confidence >= p.ApprovalThreshold {
			c.Status = models.MappingStatusApproved
		} else if c.Rationale == "" {
			c.Rationale = fallbackRationale(m)
		}
		out = append(out, c)
	}
	return out
}

func fallbackRationale(m RawMatch) string {
	src, tgt := m.SourceColumn, m.TargetColumn
	if src == "" {
		src = "source"
	}
	if tgt == "" {
		tgt = "target"
	}
	return fmt.Sprintf("Mapping based on semantic similarity between %s and %s.", src, tgt)
}

// Counts is a breakdown of candidates by status.
type Counts struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
}

// Reviewed is the number of candidates carrying a decision.
func (c Counts) Reviewed() int {
	return c.Approved + c.Rejected
}

// Total is the number of candidates counted.
func (c Counts) Total() int {
	return c.Approved + c.Rejected + c.Pending
}

// Tally counts candidates by status.
func Tally(candidates []models.MappingCandidate) Counts {
	var c Counts
	for _, m := range candidates {
		switch m.Status {
		case models.MappingStatusApproved:
			c.Approved++
		case models.MappingStatusRejected:
			c.Rejected++
		default:
			c.Pending++
		}
	}
	return c
}

// Approved filters the approved candidates.
func Approved(candidates []models.MappingCandidate) []models.MappingCandidate {
	out := make([]models.MappingCandidate, 0, len(candidates))
	for _, m := range candidates {
		if m.Status == models.MappingStatusApproved {
			out = append(out, m)
		}
	}
	return out
}
