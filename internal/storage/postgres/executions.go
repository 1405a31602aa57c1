package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const executionColumns = `id, job_id, started_at, finished_at, outcome, processed, succeeded, failed, error_message, checkpoint`

// CreateExecution inserts a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec store.JobExecution) error {
	query := `INSERT INTO job_executions (` + executionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, query,
		exec.ID,
		exec.JobID,
		exec.StartedAt,
		exec.FinishedAt,
		string(exec.Outcome),
		exec.Processed,
		exec.Succeeded,
		exec.Failed,
		exec.ErrorMessage,
		exec.Checkpoint,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", mapError(err))
	}
	return nil
}

// FinishExecution records the terminal state of an execution.
func (s *Store) FinishExecution(ctx context.Context, exec store.JobExecution) error {
	const query = `
UPDATE job_executions
SET finished_at = $2,
    outcome = $3,
    processed = $4,
    succeeded = $5,
    failed = $6,
    error_message = $7,
    checkpoint = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		exec.ID,
		exec.FinishedAt,
		string(exec.Outcome),
		exec.Processed,
		exec.Succeeded,
		exec.Failed,
		exec.ErrorMessage,
		exec.Checkpoint,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish execution: %w", store.ErrNotFound)
	}
	return nil
}

// ListExecutions returns the newest records first. Empty jobID lists every
// job and a non-positive limit returns everything.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]store.JobExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM job_executions
WHERE ($1 = '' OR job_id = $1)
ORDER BY started_at DESC, id DESC
LIMIT NULLIF($2, 0)`
	rows, err := s.pool.Query(ctx, query, jobID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", mapError(err))
	}
	return collectExecutions(rows)
}

// ListRunning returns records still marked running.
func (s *Store) ListRunning(ctx context.Context) ([]store.JobExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM job_executions
WHERE outcome = $1
ORDER BY started_at`
	rows, err := s.pool.Query(ctx, query, string(store.OutcomeRunning))
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", mapError(err))
	}
	return collectExecutions(rows)
}

func collectExecutions(rows pgx.Rows) ([]store.JobExecution, error) {
	defer rows.Close()
	var out []store.JobExecution
	for rows.Next() {
		var e store.JobExecution
		if err := rows.Scan(
			&e.ID,
			&e.JobID,
			&e.StartedAt,
			&e.FinishedAt,
			&e.Outcome,
			&e.Processed,
			&e.Succeeded,
			&e.Failed,
			&e.ErrorMessage,
			&e.Checkpoint,
		); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", mapError(err))
	}
	return out, nil
}
