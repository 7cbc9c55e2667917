package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/diwan-erp/diwan/errors"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new scheduler store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobSelectColumns = `
	id, name, name_ar, description, cron_expression,
	is_active, running, last_run, next_run,
	last_status, last_error, run_count, fail_count,
	consecutive_fails, max_retries, created_at, updated_at
`

// scanner abstracts *sql.Row and *sql.Rows for shared scanning
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var lastRun, nextRun, lastStatus, lastError sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.NameAr,
		&job.Description,
		&job.CronExpression,
		&job.IsActive,
		&job.Running,
		&lastRun,
		&nextRun,
		&lastStatus,
		&lastError,
		&job.RunCount,
		&job.FailCount,
		&job.ConsecutiveFails,
		&job.MaxRetries,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if lastRun.Valid {
		t, err := time.Parse(time.RFC3339, lastRun.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run for job %s", job.ID)
		}
		job.LastRun = &t
	}
	if nextRun.Valid {
		t, err := time.Parse(time.RFC3339, nextRun.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run for job %s", job.ID)
		}
		job.NextRun = &t
	}
	if lastStatus.Valid {
		job.LastStatus = lastStatus.String
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}

	return &job, nil
}

// UpsertJob registers a job definition. On conflict the metadata is
// refreshed but operator state (is_active) and counters are preserved;
// next_run is only seeded when the job has none yet.
func (s *Store) UpsertJob(job *Job) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, name, name_ar, description, cron_expression,
			is_active, running, next_run, max_retries,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			name_ar = excluded.name_ar,
			description = excluded.description,
			cron_expression = excluded.cron_expression,
			max_retries = excluded.max_retries,
			next_run = CASE
				WHEN scheduled_jobs.is_active = 1
				THEN COALESCE(scheduled_jobs.next_run, excluded.next_run)
				ELSE NULL
			END,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	var nextRun interface{}
	if job.NextRun != nil {
		nextRun = job.NextRun.Format(time.RFC3339)
	}

	_, err := s.db.Exec(query,
		job.ID,
		job.Name,
		job.NameAr,
		job.Description,
		job.CronExpression,
		job.IsActive,
		nextRun,
		job.MaxRetries,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert scheduled job %s", job.ID)
	}

	return nil
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM scheduled_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("scheduled job not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}

	return job, nil
}

// ListJobs returns all scheduled jobs ordered by name for display.
func (s *Store) ListJobs() ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM scheduled_jobs ORDER BY name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListJobsDue returns active, unclaimed jobs whose next_run has elapsed.
// Results are ordered by next_run ASC (oldest due jobs first) for
// deterministic execution. Limited to 100 jobs per tick.
func (s *Store) ListJobsDue(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `
		SELECT ` + jobSelectColumns + `
		FROM scheduled_jobs
		WHERE is_active = 1 AND running = 0 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
		LIMIT 100
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan due job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// SetActive toggles a job on or off in one atomic statement.
// Turning a job on requires the caller to supply the recomputed next fire
// time; turning it off clears next_run so the engine never considers it.
func (s *Store) SetActive(id string, active bool, nextRun *time.Time) error {
	query := `
		UPDATE scheduled_jobs
		SET is_active = ?,
		    next_run = ?,
		    updated_at = ?
		WHERE id = ?
	`

	var next interface{}
	if active && nextRun != nil {
		next = nextRun.UTC().Format(time.RFC3339)
	}

	result, err := s.db.Exec(query, active, next, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to toggle scheduled job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}

	return nil
}

// ClaimRun attempts to mark the job as running. Returns false if another
// execution already holds the claim. The check-and-set is a single UPDATE
// so concurrent claimers cannot both win, even across processes.
func (s *Store) ClaimRun(id string) (bool, error) {
	query := `
		UPDATE scheduled_jobs
		SET running = 1,
		    updated_at = ?
		WHERE id = ? AND running = 0
	`

	result, err := s.db.Exec(query, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows == 1, nil
}

// FinishRun releases the claim and records the outcome of one execution.
// run_count always increments; fail_count and consecutive_fails only on
// failure, so fail_count <= run_count holds by construction. next_run is
// written only while the job is still active (an operator may have toggled
// it off mid-run).
func (s *Store) FinishRun(id string, ranAt time.Time, success bool, runErr string, nextRun time.Time) error {
	query := `
		UPDATE scheduled_jobs
		SET running = 0,
		    last_run = ?,
		    last_status = ?,
		    last_error = ?,
		    run_count = run_count + 1,
		    fail_count = fail_count + ?,
		    consecutive_fails = CASE WHEN ? THEN 0 ELSE consecutive_fails + 1 END,
		    next_run = CASE WHEN is_active = 1 THEN ? ELSE NULL END,
		    updated_at = ?
		WHERE id = ?
	`

	status := RunStatusSuccess
	failInc := 0
	if !success {
		status = RunStatusFailed
		failInc = 1
	}

	var lastError interface{}
	if runErr != "" {
		lastError = runErr
	}

	result, err := s.db.Exec(query,
		ranAt.UTC().Format(time.RFC3339),
		status,
		lastError,
		failInc,
		success,
		nextRun.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finish run for job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}

	return nil
}

// ResetFailures clears the consecutive-failure counter. Used by manual
// dead-letter retry to grant a fresh escalation budget; historical
// run_count/fail_count are never reset.
func (s *Store) ResetFailures(id string) error {
	query := `
		UPDATE scheduled_jobs
		SET consecutive_fails = 0,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to reset failures for job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("scheduled job not found: %s", id)
	}

	return nil
}

// ReleaseStaleClaims clears running flags left behind by a crashed
// process so jobs are not locked out forever on restart.
func (s *Store) ReleaseStaleClaims() (int, error) {
	result, err := s.db.Exec(`UPDATE scheduled_jobs SET running = 0 WHERE running = 1`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale claims")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}
