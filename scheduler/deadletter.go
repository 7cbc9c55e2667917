package scheduler

import (
	"database/sql"
	"time"

	"github.com/diwan-erp/diwan/errors"
)

// DeadLetterEntry records a job that exhausted its consecutive-failure
// budget and was deactivated. At most one entry exists per job; retrying
// or clearing removes it.
type DeadLetterEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	JobName    string    `json:"jobName"`
	FailedAt   time.Time `json:"failedAt"`
	RetryCount int       `json:"retryCount"` // Consecutive failures at escalation time
	MaxRetries int       `json:"maxRetries"`
	Error      string    `json:"error"` // Last error message
}

// DeadLetterStore handles persistence of escalated scheduled jobs
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a new dead-letter store
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Add records an escalated job. Re-escalation of the same job replaces
// the existing entry rather than accumulating duplicates.
func (s *DeadLetterStore) Add(entry *DeadLetterEntry) error {
	query := `
		INSERT INTO scheduler_dead_letter (
			id, job_id, job_name, failed_at, retry_count, max_retries, error
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_name = excluded.job_name,
			failed_at = excluded.failed_at,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			error = excluded.error
	`

	_, err := s.db.Exec(query,
		entry.ID,
		entry.JobID,
		entry.JobName,
		entry.FailedAt.UTC().Format(time.RFC3339),
		entry.RetryCount,
		entry.MaxRetries,
		entry.Error,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to add dead-letter entry for job %s", entry.JobID)
	}

	return nil
}

// GetByJob retrieves the dead-letter entry for a job, if any
func (s *DeadLetterStore) GetByJob(jobID string) (*DeadLetterEntry, error) {
	query := `
		SELECT id, job_id, job_name, failed_at, retry_count, max_retries, error
		FROM scheduler_dead_letter
		WHERE job_id = ?
	`

	entry, err := scanDeadLetterEntry(s.db.QueryRow(query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("dead-letter entry not found for job: %s", jobID)
		}
		return nil, errors.Wrap(err, "failed to get dead-letter entry")
	}

	return entry, nil
}

// List returns all dead-letter entries, most recent failures first.
func (s *DeadLetterStore) List() ([]*DeadLetterEntry, error) {
	query := `
		SELECT id, job_id, job_name, failed_at, retry_count, max_retries, error
		FROM scheduler_dead_letter
		ORDER BY failed_at DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead-letter entries")
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetterEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead-letter entry")
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Remove deletes the dead-letter entry for a job
func (s *DeadLetterStore) Remove(jobID string) error {
	result, err := s.db.Exec(`DELETE FROM scheduler_dead_letter WHERE job_id = ?`, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to remove dead-letter entry for job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("dead-letter entry not found for job: %s", jobID)
	}

	return nil
}

// Clear deletes all dead-letter entries. Returns the number removed.
func (s *DeadLetterStore) Clear() (int, error) {
	result, err := s.db.Exec(`DELETE FROM scheduler_dead_letter`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear dead-letter entries")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

func scanDeadLetterEntry(row scanner) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var failedAt string

	err := row.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.JobName,
		&failedAt,
		&entry.RetryCount,
		&entry.MaxRetries,
		&entry.Error,
	)
	if err != nil {
		return nil, err
	}

	entry.FailedAt, err = time.Parse(time.RFC3339, failedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse failed_at for entry %s", entry.ID)
	}

	return &entry, nil
}
