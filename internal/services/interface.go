package services

import (
	"context"
	"errors"

	"hitl-pipeline/backend/internal/mapping"
	"hitl-pipeline/backend/pkg/models"
)

// SimilarityClient is an interface for communicating with the similarity sidecar.
type SimilarityClient interface {
	// Match scores the source columns against the target schema.
	Match(ctx context.Context, req MatchRequest) ([]mapping.RawMatch, error)
}

// MatchRequest is the input of a similarity lookup.
type MatchRequest struct {
	RunID   string                  `json:"run_id"`
	Source  models.SourceDescriptor `json:"source"`
	Profile any                     `json:"profile,omitempty"`
}

// ErrInvalidInput is returned when a control-surface request is malformed.
var ErrInvalidInput = errors.New("invalid input")
