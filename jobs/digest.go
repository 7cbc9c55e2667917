package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/notify"
	"github.com/diwan-erp/diwan/scheduler"
)

// DailyDigestJobID is the registered scheduler ID of the daily digest
const DailyDigestJobID = "daily-digest"

// DailyDigestJob summarizes the previous day of scheduler and queue
// activity into one notification for the admin: job outcomes, dead
// letters awaiting review, and notification delivery counts.
type DailyDigestJob struct {
	jobStore   *scheduler.Store
	deadLetter *scheduler.DeadLetterStore
	queue      *notify.Queue
	adminName  string
	adminEmail string
	logger     *zap.SugaredLogger
}

// NewDailyDigestJob creates the digest handler
func NewDailyDigestJob(jobStore *scheduler.Store, deadLetter *scheduler.DeadLetterStore, queue *notify.Queue, adminName, adminEmail string, logger *zap.SugaredLogger) *DailyDigestJob {
	return &DailyDigestJob{
		jobStore:   jobStore,
		deadLetter: deadLetter,
		queue:      queue,
		adminName:  adminName,
		adminEmail: adminEmail,
		logger:     logger,
	}
}

// Name returns the scheduler job ID
func (j *DailyDigestJob) Name() string {
	return DailyDigestJobID
}

// Run builds and enqueues the digest
func (j *DailyDigestJob) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	allJobs, err := j.jobStore.ListJobs()
	if err != nil {
		return errors.Wrap(err, "failed to list jobs for digest")
	}

	deadJobs, err := j.deadLetter.List()
	if err != nil {
		return errors.Wrap(err, "failed to list dead-letter entries for digest")
	}

	stats, err := j.queue.Stats()
	if err != nil {
		return errors.Wrap(err, "failed to read queue stats for digest")
	}

	date := time.Now().Format("2006-01-02")
	subject := fmt.Sprintf("Operations digest for %s", date)
	subjectAr := fmt.Sprintf("ملخص العمليات ليوم %s", date)

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled jobs: %d total\n", len(allJobs))
	for _, job := range allJobs {
		state := "active"
		if !job.IsActive {
			state = "disabled"
		}
		last := "never run"
		if job.LastRun != nil {
			last = fmt.Sprintf("last %s at %s", job.LastStatus, job.LastRun.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "  - %s (%s): %d runs, %d failures, %s\n",
			job.Name, state, job.RunCount, job.FailCount, last)
	}

	if len(deadJobs) > 0 {
		fmt.Fprintf(&b, "\nJobs awaiting review: %d\n", len(deadJobs))
		for _, entry := range deadJobs {
			fmt.Fprintf(&b, "  - %s failed %d times: %s\n", entry.JobName, entry.RetryCount, entry.Error)
		}
	}

	fmt.Fprintf(&b, "\nNotifications: %d sent, %d pending, %d failed, %d dead\n",
		stats.Sent, stats.Pending, stats.Failed, stats.Dead)

	n := notify.NewNotification(subject, subjectAr, b.String(), j.adminName, j.adminEmail)
	if err := j.queue.Enqueue(n); err != nil {
		return errors.Wrap(err, "failed to enqueue digest")
	}

	j.logger.Infow("Daily digest enqueued",
		"jobs", len(allJobs),
		"dead_letters", len(deadJobs),
		"notification_id", n.ID)
	return nil
}
