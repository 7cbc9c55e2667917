package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/scheduler"
)

// HistoryCleanupJobID is the registered scheduler ID of the history
// cleanup
const HistoryCleanupJobID = "execution-history-cleanup"

// HistoryCleanupJob trims old execution records so the history table
// does not grow without bound.
type HistoryCleanupJob struct {
	execStore     *scheduler.ExecutionStore
	retentionDays int
	logger        *zap.SugaredLogger
}

// NewHistoryCleanupJob creates the cleanup handler
func NewHistoryCleanupJob(execStore *scheduler.ExecutionStore, retentionDays int, logger *zap.SugaredLogger) *HistoryCleanupJob {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &HistoryCleanupJob{
		execStore:     execStore,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Name returns the scheduler job ID
func (j *HistoryCleanupJob) Name() string {
	return HistoryCleanupJobID
}

// Run deletes executions older than the retention period
func (j *HistoryCleanupJob) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deleted, err := j.execStore.CleanupOldExecutions(j.retentionDays)
	if err != nil {
		return errors.Wrap(err, "history cleanup failed")
	}

	j.logger.Infow("Execution history cleaned up",
		"deleted", deleted,
		"retention_days", j.retentionDays)
	return nil
}
