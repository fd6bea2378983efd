package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hitl-pipeline/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const foreignKeyViolation = "23503"

const selectRunSQL = `SELECT id, status, current_step, progress, steps, error, source, version, created_at, updated_at FROM pipeline_runs`

const selectMappingSQL = `SELECT id, run_id, source_table, source_column, target_table, target_column, confidence, rationale, status, reviewed_by, version, updated_at FROM mapping_candidates`

// PostgresRunStore is a PostgreSQL implementation of the RunStore interface.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

// NewPostgresRunStore creates a new PostgresRunStore.
func NewPostgresRunStore(db *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// Migrate creates the tables the store needs.
func (s *PostgresRunStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresRunStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateRun saves a new run to the store.
func (s *PostgresRunStore) CreateRun(ctx context.Context, run *models.Run) error {
	steps, source, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO pipeline_runs (id, status, current_step, progress, steps, error, source, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
		run.ID, string(run.Status), run.CurrentStep, run.Progress, steps, run.Error, source, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return err
	}
	run.Version = 1
	return nil
}

// GetRun retrieves a run by its ID.
func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, selectRunSQL+" WHERE id = $1", runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ListRuns returns every run, newest first.
func (s *PostgresRunStore) ListRuns(ctx context.Context) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, selectRunSQL+" ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PatchRun applies an optimistic-concurrency update. The UPDATE is guarded
// by the expected version so a concurrent writer turns into a conflict.
func (s *PostgresRunStore) PatchRun(ctx context.Context, runID string, expectedVersion int64, mutate MutateFunc) (*models.Run, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanRun(tx.QueryRow(ctx, selectRunSQL+" WHERE id = $1", runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s expected %d, have %d", ErrVersionConflict, runID, expectedVersion, current.Version)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := models.CheckTransition(current, next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	steps, source, err := encodeRun(next)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE pipeline_runs
		 SET status = $3, current_step = $4, progress = $5, steps = $6, error = $7, source = $8, version = $9, updated_at = $10
		 WHERE id = $1 AND version = $2`,
		runID, expectedVersion, string(next.Status), next.CurrentStep, next.Progress, steps, next.Error, source, next.Version, next.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVersionConflict, runID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// PutMappingCandidates upserts a batch of candidates in a single transaction.
func (s *PostgresRunStore) PutMappingCandidates(ctx context.Context, runID string, candidates []models.MappingCandidate) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := requireRun(ctx, tx, runID); err != nil {
		return err
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, c := range candidates {
		batch.Queue(
			`INSERT INTO mapping_candidates
			   (run_id, id, position, source_table, source_column, target_table, target_column, confidence, rationale, status, reviewed_by, version, updated_at)
			 VALUES ($1, $2, (SELECT COALESCE(MAX(position) + 1, 0) FROM mapping_candidates WHERE run_id = $1),
			         $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			 ON CONFLICT (run_id, id) DO UPDATE SET
			   source_table = EXCLUDED.source_table, source_column = EXCLUDED.source_column,
			   target_table = EXCLUDED.target_table, target_column = EXCLUDED.target_column,
			   confidence = EXCLUDED.confidence, rationale = EXCLUDED.rationale,
			   status = EXCLUDED.status, reviewed_by = EXCLUDED.reviewed_by,
			   version = mapping_candidates.version + 1, updated_at = EXCLUDED.updated_at`,
			runID, c.ID, c.SourceTable, c.SourceColumn, c.TargetTable, c.TargetColumn,
			c.Confidence, c.Rationale, string(c.Status), c.ReviewedBy, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	return tx.Commit(ctx)
}

// ListMappingCandidates returns the run's candidates in insertion order.
func (s *PostgresRunStore) ListMappingCandidates(ctx context.Context, runID string) ([]models.MappingCandidate, error) {
	if err := requireRun(ctx, s.db, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, selectMappingSQL+" WHERE run_id = $1 ORDER BY position", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MappingCandidate
	for rows.Next() {
		var m models.MappingCandidate
		var status string
		if err := rows.Scan(&m.ID, &m.RunID, &m.SourceTable, &m.SourceColumn, &m.TargetTable, &m.TargetColumn,
			&m.Confidence, &m.Rationale, &status, &m.ReviewedBy, &m.Version, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = models.MappingStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetPendingMappingCount counts undecided candidates.
func (s *PostgresRunStore) GetPendingMappingCount(ctx context.Context, runID string) (int, error) {
	if err := requireRun(ctx, s.db, runID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM mapping_candidates WHERE run_id = $1 AND status = 'pending'`, runID).Scan(&n)
	return n, err
}

// UpdateMappingStatus records a decision on one candidate.
func (s *PostgresRunStore) UpdateMappingStatus(ctx context.Context, runID, mappingID string, status models.MappingStatus, reviewer string) error {
	if !status.IsDecision() {
		return fmt.Errorf("%w: %q", ErrInvalidMappingStatus, status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE mapping_candidates
		 SET status = $3, reviewed_by = $4, version = version + 1, updated_at = $5
		 WHERE run_id = $1 AND id = $2 AND (status <> $3 OR reviewed_by <> $4)`,
		runID, mappingID, string(status), reviewer, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// nothing changed: either an identical decision or a missing row
	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mapping_candidates WHERE run_id = $1 AND id = $2)`, runID, mappingID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		if err := requireRun(ctx, s.db, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s", ErrMappingNotFound, runID, mappingID)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func requireRun(ctx context.Context, q querier, runID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func encodeRun(run *models.Run) ([]byte, []byte, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	source, err := json.Marshal(run.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal source: %w", err)
	}
	return steps, source, nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	var status string
	var steps, source []byte
	err := row.Scan(&run.ID, &status, &run.CurrentStep, &run.Progress, &steps, &run.Error, &source,
		&run.Version, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if err := json.Unmarshal(steps, &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if err := json.Unmarshal(source, &run.Source); err != nil {
		return nil, fmt.Errorf("failed to decode source: %w", err)
	}
	return &run, nil
}
