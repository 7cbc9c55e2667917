// Package scheduler provides recurring job scheduling with cron expressions,
// execution history, and dead-letter escalation for persistently failing jobs.
package scheduler

import (
	"context"
	"time"
)

// Run status constants for scheduled jobs
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// DefaultMaxRetries is the consecutive-failure budget before a job is
// dead-lettered and deactivated.
const DefaultMaxRetries = 3

// Job represents a recurring scheduled job.
//
// Jobs are registered at startup from static definitions and are never
// deleted; operators disable them instead. Counters are historical and
// monotonically increasing. ConsecutiveFails is the escalation counter:
// it resets on every success and on manual dead-letter retry.
type Job struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	NameAr           string     `json:"nameAr"`
	Description      string     `json:"description,omitempty"`
	CronExpression   string     `json:"cronExpression"`
	IsActive         bool       `json:"isActive"`
	Running          bool       `json:"-"` // Advisory claim, set transactionally at run start
	LastRun          *time.Time `json:"lastRun"`
	NextRun          *time.Time `json:"nextRun"`
	LastStatus       string     `json:"lastStatus,omitempty"` // "success", "failed", or empty before first run
	LastError        string     `json:"lastError,omitempty"`
	RunCount         int        `json:"runCount"`
	FailCount        int        `json:"failCount"`
	ConsecutiveFails int        `json:"-"`
	MaxRetries       int        `json:"maxRetries"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Definition describes a job known to the application at startup.
// Registration upserts the definition into the store, preserving any
// operator state (is_active) and counters already persisted.
type Definition struct {
	ID          string
	Name        string
	NameAr      string
	Description string
	Cron        string
	MaxRetries  int // 0 means DefaultMaxRetries
	Handler     JobHandler
}

// JobHandler executes the work behind a scheduled job.
//
// Handlers MUST respect ctx cancellation: a run that exceeds the engine's
// per-run timeout is force-classified as failed and its claim released,
// so a handler that keeps going after cancellation races the next firing.
type JobHandler interface {
	// Name returns the job ID this handler serves.
	Name() string

	// Run performs one execution. A nil return is classified "success";
	// any error (or panic) is classified "failed" and recorded verbatim.
	Run(ctx context.Context) error
}
