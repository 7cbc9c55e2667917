// Package notify provides a persistent notification delivery queue with
// retry, exponential backoff, and a dead-letter state for notifications
// that exhaust their attempt budget.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Notification status constants.
// Lifecycle: pending -> processing -> sent | failed | dead.
// failed notifications re-enter processing once their backoff elapses;
// dead notifications only move again via an explicit operator retry.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

// DefaultMaxAttempts is the delivery attempt budget before a
// notification is marked dead.
const DefaultMaxAttempts = 5

// Notification represents one queued delivery.
//
// Subject and body carry both Arabic and English text; the sender picks
// per recipient preference. Attempts counts deliveries actually tried,
// so attempts <= maxAttempts always holds.
type Notification struct {
	ID             string     `json:"id"`
	Subject        string     `json:"subject"`
	SubjectAr      string     `json:"subjectAr"`
	Body           string     `json:"body"`
	RecipientName  string     `json:"recipientName"`
	RecipientEmail string     `json:"recipientEmail"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	LastError      string     `json:"lastError,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NewNotification creates a pending notification ready to enqueue
func NewNotification(subject, subjectAr, body, recipientName, recipientEmail string) *Notification {
	now := time.Now().UTC()
	return &Notification{
		ID:             uuid.NewString(),
		Subject:        subject,
		SubjectAr:      subjectAr,
		Body:           body,
		RecipientName:  recipientName,
		RecipientEmail: recipientEmail,
		Status:         StatusPending,
		MaxAttempts:    DefaultMaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
