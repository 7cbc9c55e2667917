package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/db"
	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/internal/util"
)

// ExecutionBroadcaster defines the interface for broadcasting execution
// events. This avoids a circular dependency between scheduler and server.
type ExecutionBroadcaster interface {
	BroadcastJobExecutionStarted(jobID, executionID, jobName string)
	BroadcastJobExecutionFinished(jobID, executionID, jobName, status string, errorMsg string, durationMs int)
}

// RunResult is the outcome of a manually triggered execution
type RunResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ExecutionID string `json:"executionId"`
	DurationMs  int    `json:"durationMs"`
}

// EngineConfig contains configuration for the scheduler engine
type EngineConfig struct {
	TickInterval time.Duration // How often to check for due jobs (default: 1 minute)
	JobTimeout   time.Duration // Per-execution timeout (default: 10 minutes)
}

// DefaultEngineConfig returns sensible defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval: 1 * time.Minute,
		JobTimeout:   10 * time.Minute,
	}
}

// Engine drives scheduled job execution.
//
// A ticker loop wakes at the configured interval, claims due jobs, and runs
// each in its own goroutine. Every run produces an Execution record and
// updates the job's counters atomically via the store. Jobs that fail
// MaxRetries times in a row are escalated to the dead-letter table and
// deactivated until an operator retries them.
type Engine struct {
	store       *Store
	execStore   *ExecutionStore
	deadLetter  *DeadLetterStore
	registry    *Registry
	schedule    Schedule
	broadcaster ExecutionBroadcaster
	config      EngineConfig
	logger      *zap.SugaredLogger

	parent context.Context
	wg     sync.WaitGroup

	mu         sync.Mutex
	cancel     context.CancelFunc
	running    bool
	lastTickAt time.Time
	tickCount  int64
}

// NewEngine creates a scheduler engine with a background parent context
func NewEngine(store *Store, execStore *ExecutionStore, deadLetter *DeadLetterStore, schedule Schedule, broadcaster ExecutionBroadcaster, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	return NewEngineWithContext(context.Background(), store, execStore, deadLetter, schedule, broadcaster, cfg, logger)
}

// NewEngineWithContext creates a scheduler engine with a parent context
func NewEngineWithContext(ctx context.Context, store *Store, execStore *ExecutionStore, deadLetter *DeadLetterStore, schedule Schedule, broadcaster ExecutionBroadcaster, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultEngineConfig().TickInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultEngineConfig().JobTimeout
	}

	return &Engine{
		store:       store,
		execStore:   execStore,
		deadLetter:  deadLetter,
		registry:    NewRegistry(),
		schedule:    schedule,
		broadcaster: broadcaster,
		config:      cfg,
		logger:      logger,
		parent:      ctx,
	}
}

// Register upserts a job definition and wires its handler.
// Must be called before Start. Operator state (is_active) and counters
// already persisted for the job are preserved.
func (e *Engine) Register(def Definition) error {
	if def.Handler == nil {
		return errors.Newf("job %s has no handler", def.ID)
	}
	if def.MaxRetries <= 0 {
		def.MaxRetries = DefaultMaxRetries
	}

	next, err := e.schedule.NextFireTime(def.Cron, time.Now())
	if err != nil {
		return errors.Wrapf(err, "job %s", def.ID)
	}

	job := &Job{
		ID:             def.ID,
		Name:           def.Name,
		NameAr:         def.NameAr,
		Description:    def.Description,
		CronExpression: def.Cron,
		IsActive:       true,
		NextRun:        &next,
		MaxRetries:     def.MaxRetries,
	}
	if err := e.store.UpsertJob(job); err != nil {
		return err
	}

	e.registry.Register(def.ID, def.Handler)
	e.logger.Infow("Registered scheduled job",
		"job_id", def.ID,
		"cron", def.Cron,
		"next_run", next.Format(time.RFC3339))

	return nil
}

// Start begins the tick loop. Claims left behind by a previous process
// are released first so crashed runs do not lock jobs out forever.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("scheduler engine already started")
	}
	e.running = true
	ctx, cancel := context.WithCancel(e.parent)
	e.cancel = cancel
	e.mu.Unlock()

	released, err := e.store.ReleaseStaleClaims()
	if err != nil {
		return errors.Wrap(err, "failed to release stale claims")
	}
	if released > 0 {
		e.logger.Warnw("Released stale job claims from previous run", "count", released)
	}

	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Infow("Scheduler engine started", "tick_interval", e.config.TickInterval, "job_timeout", e.config.JobTimeout)

	return nil
}

// Stop gracefully stops the engine, waiting up to 30 seconds for
// in-flight executions to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Infow("Scheduler engine stopped")
	case <-time.After(30 * time.Second):
		e.logger.Warnw("Scheduler engine stop timed out waiting for executions")
	}
}

// Running reports whether the engine tick loop is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns tick loop statistics
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return map[string]interface{}{
		"running":       e.running,
		"last_tick_at":  e.lastTickAt,
		"tick_count":    e.tickCount,
		"tick_interval": e.config.TickInterval.String(),
	}
}

// run is the main tick loop
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			e.mu.Lock()
			e.lastTickAt = tickTime
			e.tickCount++
			e.mu.Unlock()

			if err := e.checkDueJobs(ctx, tickTime); err != nil {
				if db.IsDatabaseClosed(err) || errors.Is(err, context.Canceled) {
					return
				}
				e.logger.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// checkDueJobs claims and launches every due job. A failure launching one
// job never blocks the others.
func (e *Engine) checkDueJobs(ctx context.Context, now time.Time) error {
	jobs, err := e.store.ListJobsDue(ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due jobs")
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := e.store.ClaimRun(job.ID)
		if err != nil {
			e.logger.Errorw("Failed to claim scheduled job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			// Another execution (or process) holds the claim
			continue
		}

		job := job
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.executeJob(job)
		}()
	}

	return nil
}

// executeJob runs one claimed job to completion: execution record, handler
// invocation under timeout, counter update, broadcast, and escalation.
// The caller must already hold the run claim.
func (e *Engine) executeJob(job *Job) *RunResult {
	startTime := time.Now()

	execution := &Execution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		JobName:   job.Name,
		Status:    ExecutionStatusRunning,
		StartTime: startTime.UTC().Format(time.RFC3339),
		CreatedAt: startTime.UTC().Format(time.RFC3339),
		UpdatedAt: startTime.UTC().Format(time.RFC3339),
	}
	if err := e.execStore.CreateExecution(execution); err != nil {
		// Execution history is best-effort; the run itself proceeds
		e.logger.Errorw("Failed to create execution record", "job_id", job.ID, "error", err)
	}

	if e.broadcaster != nil {
		e.broadcaster.BroadcastJobExecutionStarted(job.ID, execution.ID, job.Name)
	}

	runErr := e.runHandler(job)

	completedAt := time.Now()
	durationMs := int(completedAt.Sub(startTime).Milliseconds())
	execution.EndTime = util.Ptr(completedAt.UTC().Format(time.RFC3339))
	execution.DurationMs = &durationMs
	execution.UpdatedAt = completedAt.UTC().Format(time.RFC3339)

	success := runErr == nil
	errMsg := ""
	if success {
		execution.Status = ExecutionStatusSuccess
		e.logger.Infow("Scheduled job OK",
			"job_id", job.ID,
			"execution_id", execution.ID,
			"duration_ms", durationMs)
	} else {
		execution.Status = ExecutionStatusFailed
		errMsg = runErr.Error()
		execution.Error = &errMsg
		e.logger.Errorw("Scheduled job FAILED",
			"job_id", job.ID,
			"execution_id", execution.ID,
			"duration_ms", durationMs,
			"error", runErr)
	}

	// Next fire time is computed from completion, so a run that overlaps
	// its own next slot skips straight to the following one.
	nextRun, nextErr := e.schedule.NextFireTime(job.CronExpression, completedAt)
	if nextErr != nil {
		// Expression was validated at registration; fall back to one tick out
		e.logger.Errorw("Failed to compute next fire time", "job_id", job.ID, "error", nextErr)
		nextRun = completedAt.Add(e.config.TickInterval)
	}

	if err := e.store.FinishRun(job.ID, startTime, success, errMsg, nextRun); err != nil {
		e.logger.Errorw("Failed to record run outcome", "job_id", job.ID, "error", err)
	}

	if err := e.execStore.UpdateExecution(execution); err != nil {
		e.logger.Errorw("Failed to update execution record", "execution_id", execution.ID, "error", err)
	}

	if e.broadcaster != nil {
		e.broadcaster.BroadcastJobExecutionFinished(job.ID, execution.ID, job.Name, execution.Status, errMsg, durationMs)
	}

	if !success {
		e.maybeEscalate(job, errMsg)
	}

	return &RunResult{
		Success:     success,
		Error:       errMsg,
		ExecutionID: execution.ID,
		DurationMs:  durationMs,
	}
}

// runHandler invokes the job handler with the per-run timeout and
// converts panics into errors so one bad job cannot take the process down.
func (e *Engine) runHandler(job *Job) error {
	handler, err := e.registry.Get(job.ID)
	if err != nil {
		return err
	}

	// The run derives from the parent context, not the engine lifecycle
	// one: stopping the scheduler prevents new fires but never interrupts
	// a job already in flight. Stop's bounded wait is the drain.
	runCtx, cancel := context.WithTimeout(e.parent, e.config.JobTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errors.Newf("job panicked: %v", r)
			}
		}()
		errCh <- handler.Run(runCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(errors.ErrTimeout, "job exceeded timeout of %s", e.config.JobTimeout)
		}
		return errors.Wrap(runCtx.Err(), "job cancelled")
	}
}

// maybeEscalate moves a job to the dead-letter table and deactivates it
// once its consecutive-failure budget is exhausted.
func (e *Engine) maybeEscalate(job *Job, lastError string) {
	fresh, err := e.store.GetJob(job.ID)
	if err != nil {
		e.logger.Errorw("Failed to check escalation state", "job_id", job.ID, "error", err)
		return
	}

	if fresh.ConsecutiveFails < fresh.MaxRetries {
		return
	}

	entry := &DeadLetterEntry{
		ID:         uuid.NewString(),
		JobID:      fresh.ID,
		JobName:    fresh.Name,
		FailedAt:   time.Now().UTC(),
		RetryCount: fresh.ConsecutiveFails,
		MaxRetries: fresh.MaxRetries,
		Error:      lastError,
	}
	if err := e.deadLetter.Add(entry); err != nil {
		e.logger.Errorw("Failed to dead-letter job", "job_id", fresh.ID, "error", err)
		return
	}

	if err := e.store.SetActive(fresh.ID, false, nil); err != nil {
		e.logger.Errorw("Failed to deactivate escalated job", "job_id", fresh.ID, "error", err)
		return
	}

	e.logger.Warnw("Scheduled job escalated to dead letter",
		"job_id", fresh.ID,
		"consecutive_fails", fresh.ConsecutiveFails,
		"max_retries", fresh.MaxRetries,
		"error", lastError)
}

// RunNow triggers a job immediately, outside its schedule, and waits for
// the outcome. The normal claim applies: if the job is already running
// the trigger is rejected with ErrConflict. Manual runs count toward the
// job's counters and escalation budget exactly like scheduled runs.
func (e *Engine) RunNow(jobID string) (*RunResult, error) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	claimed, err := e.store.ClaimRun(jobID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s is already running", jobID)
	}

	e.logger.Infow("Manual job trigger", "job_id", jobID)
	return e.executeJob(job), nil
}

// Toggle activates or deactivates a job. Activation recomputes next_run
// from now; deactivation clears it so the job never fires while off.
func (e *Engine) Toggle(jobID string, active bool) (*Job, error) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	var next *time.Time
	if active {
		n, err := e.schedule.NextFireTime(job.CronExpression, time.Now())
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", jobID)
		}
		next = &n
	}

	if err := e.store.SetActive(jobID, active, next); err != nil {
		return nil, err
	}

	e.logger.Infow("Scheduled job toggled", "job_id", jobID, "active", active)
	return e.store.GetJob(jobID)
}

// RetryDeadLetter reactivates a dead-lettered job with a fresh failure
// budget and removes its entry. The explicit operator action is the
// escalation override, so the retry always proceeds.
func (e *Engine) RetryDeadLetter(jobID string) (*Job, error) {
	if _, err := e.deadLetter.GetByJob(jobID); err != nil {
		return nil, err
	}

	if err := e.store.ResetFailures(jobID); err != nil {
		return nil, err
	}

	job, err := e.Toggle(jobID, true)
	if err != nil {
		return nil, err
	}

	if err := e.deadLetter.Remove(jobID); err != nil {
		return nil, err
	}

	e.logger.Infow("Dead-lettered job retried", "job_id", jobID)
	return job, nil
}

// ClearDeadLetter removes all dead-letter entries without reactivating
// the jobs. Returns the number of entries removed.
func (e *Engine) ClearDeadLetter() (int, error) {
	removed, err := e.deadLetter.Clear()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Infow("Dead-letter entries cleared", "count", removed)
	}
	return removed, nil
}

// DescribeNextRun renders a human-readable summary of the next firing,
// used by the serve command's startup banner.
func (e *Engine) DescribeNextRun() string {
	jobs, err := e.store.ListJobs()
	if err != nil {
		return "schedule unavailable"
	}

	var soonest *Job
	for _, job := range jobs {
		if !job.IsActive || job.NextRun == nil {
			continue
		}
		if soonest == nil || job.NextRun.Before(*soonest.NextRun) {
			soonest = job
		}
	}

	if soonest == nil {
		return "no scheduled executions"
	}

	until := time.Until(*soonest.NextRun).Round(time.Second)
	if until < 0 {
		until = 0
	}
	return fmt.Sprintf("next execution '%s' in %s", soonest.Name, until)
}
