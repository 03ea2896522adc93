package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/briefcast/briefcast/pkg/models"
)

const runColumns = `id, workflow_run_id, status, conclusion, started_at,
	finished_at, current_phase, phases`

// RunStore manages pipeline run records. Runs are observability only and
// never gate execution.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a running run record.
func (s *RunStore) Create(ctx context.Context, id string, workflowRunID *string) (*models.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO pipeline_runs (id, workflow_run_id, status)
		 VALUES ($1, $2, $3)
		 RETURNING `+runColumns,
		id, workflowRunID, models.RunStatusRunning)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// AppendPhaseEvent appends one event to the run's phase history and updates
// the current phase marker.
func (s *RunStore) AppendPhaseEvent(ctx context.Context, id string, event models.PhaseEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal phase event: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET phases = phases || $2::jsonb, current_phase = $3
		 WHERE id = $1`,
		id, eventJSON, event.Phase)
	if err != nil {
		return fmt.Errorf("failed to append phase event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %q: %w", id, models.ErrNotFound)
	}
	return nil
}

// Finish closes the run with a terminal status and conclusion.
func (s *RunStore) Finish(ctx context.Context, id string, status models.RunStatus, conclusion string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = $2, conclusion = $3, finished_at = now(),
		        current_phase = NULL
		 WHERE id = $1`,
		id, status, conclusion)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %q: %w", id, models.ErrNotFound)
	}
	return nil
}

// Get fetches one run with its phase history.
func (s *RunStore) Get(ctx context.Context, id string) (*models.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (s *RunStore) List(ctx context.Context, limit int) ([]*models.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 ORDER BY started_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*models.PipelineRun, error) {
	var (
		r             models.PipelineRun
		workflowRunID sql.NullString
		conclusion    sql.NullString
		finishedAt    sql.NullTime
		currentPhase  sql.NullString
		phasesJSON    []byte
	)
	err := row.Scan(&r.ID, &workflowRunID, &r.Status, &conclusion,
		&r.StartedAt, &finishedAt, &currentPhase, &phasesJSON)
	if err != nil {
		return nil, err
	}

	r.WorkflowRunID = ptrFromNullString(workflowRunID)
	r.Conclusion = ptrFromNullString(conclusion)
	r.FinishedAt = ptrFromNullTime(finishedAt)
	r.CurrentPhase = ptrFromNullString(currentPhase)

	if len(phasesJSON) > 0 {
		if err := json.Unmarshal(phasesJSON, &r.Phases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase history: %w", err)
		}
	}
	return &r, nil
}
