package scheduler

import (
	"database/sql"
	"time"

	"github.com/diwan-erp/diwan/errors"
)

// ExecutionStore handles persistence of job execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	query := `
		INSERT INTO job_executions (
			id, job_id, job_name, status,
			started_at, completed_at, duration_ms, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var completedAt, durationMs, execErr interface{}
	if exec.EndTime != nil {
		completedAt = *exec.EndTime
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.Error != nil {
		execErr = *exec.Error
	}

	_, err := s.db.Exec(query,
		exec.ID,
		exec.JobID,
		exec.JobName,
		exec.Status,
		exec.StartTime,
		completedAt,
		durationMs,
		execErr,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}

	return nil
}

// UpdateExecution updates an existing execution record
func (s *ExecutionStore) UpdateExecution(exec *Execution) error {
	query := `
		UPDATE job_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    error = ?,
		    updated_at = ?
		WHERE id = ?
	`

	var completedAt, durationMs, execErr interface{}
	if exec.EndTime != nil {
		completedAt = *exec.EndTime
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.Error != nil {
		execErr = *exec.Error
	}

	result, err := s.db.Exec(query,
		exec.Status,
		completedAt,
		durationMs,
		execErr,
		exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("execution not found: %s", exec.ID)
	}

	return nil
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var completedAt, execErr sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&exec.JobName,
		&exec.Status,
		&exec.StartTime,
		&completedAt,
		&durationMs,
		&execErr,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		exec.EndTime = &completedAt.String
	}
	if durationMs.Valid {
		duration := int(durationMs.Int64)
		exec.DurationMs = &duration
	}
	if execErr.Valid {
		exec.Error = &execErr.String
	}

	return &exec, nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	query := `
		SELECT id, job_id, job_name, status,
		       started_at, completed_at, duration_ms, error,
		       created_at, updated_at
		FROM job_executions
		WHERE id = ?
	`

	exec, err := scanExecution(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}

	return exec, nil
}

// ListRecent retrieves the most recent executions across all jobs in
// reverse-chronological order. The dashboard requests 20-50 at a time.
func (s *ExecutionStore) ListRecent(limit int) ([]*Execution, error) {
	query := `
		SELECT id, job_id, job_name, status,
		       started_at, completed_at, duration_ms, error,
		       created_at, updated_at
		FROM job_executions
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}

	return executions, rows.Err()
}

// ListByJob retrieves executions for one job in reverse-chronological order.
func (s *ExecutionStore) ListByJob(jobID string, limit int) ([]*Execution, error) {
	query := `
		SELECT id, job_id, job_name, status,
		       started_at, completed_at, duration_ms, error,
		       created_at, updated_at
		FROM job_executions
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}

	return executions, rows.Err()
}

// CleanupOldExecutions deletes execution records older than the retention
// period. Returns the number of executions deleted.
//
// This implements TTL cleanup to prevent unbounded growth of job_executions.
// Recommended retention: 90 days for production use.
func (s *ExecutionStore) CleanupOldExecutions(retentionDays int) (int, error) {
	cutoffTime := time.Now().AddDate(0, 0, -retentionDays).UTC().Format(time.RFC3339)

	result, err := s.db.Exec(`DELETE FROM job_executions WHERE started_at < ?`, cutoffTime)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(deleted), nil
}
