package models

import "time"

// MappingStatus represents the review state of a mapping candidate
type MappingStatus string

const (
	MappingStatusPending  MappingStatus = "pending"
	MappingStatusApproved MappingStatus = "approved"
	MappingStatusRejected MappingStatus = "rejected"
)

// IsDecision reports whether the status is a final human or policy decision.
func (s MappingStatus) IsDecision() bool {
	return s == MappingStatusApproved || s == MappingStatusRejected
}

// MappingCandidate is one proposed source to target column correspondence
type MappingCandidate struct {
	ID           string        `json:"mapping_id" db:"id"`
	RunID        string        `json:"run_id" db:"run_id"`
	SourceTable  string        `json:"source_table" db:"source_table"`
	SourceColumn string        `json:"source_column" db:"source_column"`
	TargetTable  string        `json:"target_table" db:"target_table"`
	TargetColumn string        `json:"target_column" db:"target_column"`
	Confidence   float64       `json:"confidence" db:"confidence"`
	Rationale    string        `json:"rationale,omitempty" db:"rationale"`
	Status       MappingStatus `json:"status" db:"status"`
	ReviewedBy   string        `json:"reviewed_by,omitempty" db:"reviewed_by"`
	Version      int64         `json:"version" db:"version"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}
