package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/diwan-erp/diwan/errors"
)

// Store handles persistence of queued notifications
type Store struct {
	db *sql.DB
}

// NewStore creates a new notification store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const notificationSelectColumns = `
	id, subject, subject_ar, body, recipient_name, recipient_email,
	status, attempts, max_attempts, last_error,
	next_attempt_at, sent_at, created_at, updated_at
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*Notification, error) {
	var n Notification
	var lastError, nextAttemptAt, sentAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&n.ID,
		&n.Subject,
		&n.SubjectAr,
		&n.Body,
		&n.RecipientName,
		&n.RecipientEmail,
		&n.Status,
		&n.Attempts,
		&n.MaxAttempts,
		&lastError,
		&nextAttemptAt,
		&sentAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for notification %s", n.ID)
	}
	n.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for notification %s", n.ID)
	}
	if lastError.Valid {
		n.LastError = lastError.String
	}
	if nextAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339, nextAttemptAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_attempt_at for notification %s", n.ID)
		}
		n.NextAttemptAt = &t
	}
	if sentAt.Valid {
		t, err := time.Parse(time.RFC3339, sentAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse sent_at for notification %s", n.ID)
		}
		n.SentAt = &t
	}

	return &n, nil
}

// Create persists a new notification
func (s *Store) Create(n *Notification) error {
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = DefaultMaxAttempts
	}

	query := `
		INSERT INTO notifications (
			id, subject, subject_ar, body, recipient_name, recipient_email,
			status, attempts, max_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		n.ID,
		n.Subject,
		n.SubjectAr,
		n.Body,
		n.RecipientName,
		n.RecipientEmail,
		n.Status,
		n.Attempts,
		n.MaxAttempts,
		n.CreatedAt.UTC().Format(time.RFC3339),
		n.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create notification %s", n.ID)
	}

	return nil
}

// Get retrieves a notification by ID
func (s *Store) Get(id string) (*Notification, error) {
	query := `SELECT ` + notificationSelectColumns + ` FROM notifications WHERE id = ?`

	n, err := scanNotification(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("notification not found: %s", id)
		}
		return nil, errors.Wrap(err, "failed to get notification")
	}

	return n, nil
}

// List returns notifications filtered by status (all statuses when empty),
// newest first.
func (s *Store) List(status string, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationSelectColumns + ` FROM notifications`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// ListDead returns all dead-lettered notifications, newest first
func (s *Store) ListDead() ([]*Notification, error) {
	return s.List(StatusDead, 1000)
}

// ClaimNext atomically claims the oldest deliverable notification:
// pending, or failed with an elapsed backoff. The claim moves it to
// processing and increments attempts inside one transaction, so two
// workers can never deliver the same notification twice. Returns nil
// when nothing is deliverable.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := `
		SELECT ` + notificationSelectColumns + `
		FROM notifications
		WHERE status IN (?, ?)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC
		LIMIT 1
	`

	n, err := scanNotification(tx.QueryRowContext(ctx, query,
		StatusPending, StatusFailed, now.UTC().Format(time.RFC3339)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to select claimable notification")
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusProcessing, now.UTC().Format(time.RFC3339), n.ID, n.Status)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim notification %s", n.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		// Lost the race to another claimer
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	n.Status = StatusProcessing
	n.Attempts++
	return n, nil
}

// MarkSent records a successful delivery
func (s *Store) MarkSent(id string, sentAt time.Time) error {
	query := `
		UPDATE notifications
		SET status = ?, sent_at = ?, last_error = NULL, next_attempt_at = NULL, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		StatusSent,
		sentAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark notification %s sent", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("notification not found: %s", id)
	}

	return nil
}

// MarkFailed records a failed delivery attempt. The notification goes
// back to failed with the supplied backoff, or to dead once its attempt
// budget is spent. The budget check happens in SQL against the persisted
// counter, so it holds even if the in-memory copy is stale.
func (s *Store) MarkFailed(id string, deliveryErr string, nextAttempt time.Time) error {
	query := `
		UPDATE notifications
		SET status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
		    next_attempt_at = CASE WHEN attempts >= max_attempts THEN NULL ELSE ? END,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		StatusDead,
		StatusFailed,
		nextAttempt.UTC().Format(time.RFC3339),
		deliveryErr,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark notification %s failed", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("notification not found: %s", id)
	}

	return nil
}

// Counts returns the number of notifications per status.
// Every status key is present in the result, zero-valued when empty.
func (s *Store) Counts() (map[string]int, error) {
	counts := map[string]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusSent:       0,
		StatusFailed:     0,
		StatusDead:       0,
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count notifications")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification count")
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// Requeue moves a dead notification back to pending with a fresh attempt
// budget. Only dead notifications can be requeued.
func (s *Store) Requeue(id string) error {
	query := `
		UPDATE notifications
		SET status = ?, attempts = 0, last_error = NULL, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.Exec(query,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339),
		id,
		StatusDead,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to requeue notification %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		// Distinguish missing from merely not-dead
		if _, err := s.Get(id); err != nil {
			return err
		}
		return errors.NewInvalidRequestError("notification %s is not dead-lettered", id)
	}

	return nil
}

// RequeueAllDead moves every dead notification back to pending.
// Returns the number requeued.
func (s *Store) RequeueAllDead() (int, error) {
	query := `
		UPDATE notifications
		SET status = ?, attempts = 0, last_error = NULL, next_attempt_at = NULL, updated_at = ?
		WHERE status = ?
	`

	result, err := s.db.Exec(query,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339),
		StatusDead,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue dead notifications")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// ReleaseStaleClaims returns processing notifications to pending so a
// crashed worker cannot strand deliveries. Called once at startup.
func (s *Store) ReleaseStaleClaims() (int, error) {
	result, err := s.db.Exec(`
		UPDATE notifications
		SET status = ?, updated_at = ?
		WHERE status = ?
	`, StatusPending, time.Now().UTC().Format(time.RFC3339), StatusProcessing)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale notification claims")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}
