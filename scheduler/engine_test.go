package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/errors"
	diwantest "github.com/diwan-erp/diwan/internal/testing"
)

// fixedSchedule fires at a constant interval regardless of expression
type fixedSchedule struct {
	interval time.Duration
}

func (f *fixedSchedule) NextFireTime(_ string, from time.Time) (time.Time, error) {
	return from.Add(f.interval), nil
}

type stubHandler struct {
	id string
	fn func(ctx context.Context) error
}

func (h *stubHandler) Name() string                  { return h.id }
func (h *stubHandler) Run(ctx context.Context) error { return h.fn(ctx) }

// recordingBroadcaster captures broadcast events for assertions
type recordingBroadcaster struct {
	mu       sync.Mutex
	started  []string
	finished []string
	statuses []string
}

func (b *recordingBroadcaster) BroadcastJobExecutionStarted(jobID, executionID, jobName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, jobID)
}

func (b *recordingBroadcaster) BroadcastJobExecutionFinished(jobID, executionID, jobName, status, errorMsg string, durationMs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, jobID)
	b.statuses = append(b.statuses, status)
}

func newTestEngine(t *testing.T, db *sql.DB, cfg EngineConfig) (*Engine, *recordingBroadcaster) {
	t.Helper()

	broadcaster := &recordingBroadcaster{}
	engine := NewEngine(
		NewStore(db),
		NewExecutionStore(db),
		NewDeadLetterStore(db),
		&fixedSchedule{interval: 1 * time.Hour},
		broadcaster,
		cfg,
		zap.NewNop().Sugar(),
	)
	t.Cleanup(engine.Stop)
	return engine, broadcaster
}

func TestRunNowSuccess(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, broadcaster := newTestEngine(t, db, DefaultEngineConfig())

	ran := false
	require.NoError(t, engine.Register(Definition{
		ID:      "happy-job",
		Name:    "Happy Job",
		Cron:    "0 6 * * *",
		Handler: &stubHandler{id: "happy-job", fn: func(ctx context.Context) error { ran = true; return nil }},
	}))

	result, err := engine.RunNow("happy-job")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.NotEmpty(t, result.ExecutionID)

	// Counters updated and claim released
	job, err := engine.store.GetJob("happy-job")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RunCount)
	assert.Equal(t, 0, job.FailCount)
	assert.Equal(t, RunStatusSuccess, job.LastStatus)
	assert.False(t, job.Running)
	require.NotNil(t, job.LastRun)
	require.NotNil(t, job.NextRun)

	// Execution history closed out
	exec, err := engine.execStore.GetExecution(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusSuccess, exec.Status)
	require.NotNil(t, exec.EndTime)
	require.NotNil(t, exec.DurationMs)

	// Both lifecycle events broadcast
	assert.Equal(t, []string{"happy-job"}, broadcaster.started)
	assert.Equal(t, []string{"happy-job"}, broadcaster.finished)
	assert.Equal(t, []string{ExecutionStatusSuccess}, broadcaster.statuses)
}

func TestRunNowFailureReportedInBody(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:      "failing-job",
		Name:    "Failing Job",
		Cron:    "0 6 * * *",
		Handler: &stubHandler{id: "failing-job", fn: func(ctx context.Context) error { return errors.New("smtp refused") }},
	}))

	result, err := engine.RunNow("failing-job")
	require.NoError(t, err, "handler failure is an outcome, not a trigger error")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "smtp refused")

	job, err := engine.store.GetJob("failing-job")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RunCount)
	assert.Equal(t, 1, job.FailCount)
	assert.Equal(t, 1, job.ConsecutiveFails)
	assert.Equal(t, RunStatusFailed, job.LastStatus)
}

func TestRunNowUnknownJob(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	_, err := engine.RunNow("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRunNowConflictsWithRunningJob(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:      "busy-job",
		Name:    "Busy Job",
		Cron:    "0 6 * * *",
		Handler: &stubHandler{id: "busy-job", fn: func(ctx context.Context) error { return nil }},
	}))

	claimed, err := engine.store.ClaimRun("busy-job")
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = engine.RunNow("busy-job")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestPanicRecovery(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:      "panicky-job",
		Name:    "Panicky Job",
		Cron:    "0 6 * * *",
		Handler: &stubHandler{id: "panicky-job", fn: func(ctx context.Context) error { panic("nil map write") }},
	}))

	result, err := engine.RunNow("panicky-job")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "nil map write")

	job, err := engine.store.GetJob("panicky-job")
	require.NoError(t, err)
	assert.False(t, job.Running, "claim released even after a panic")
	assert.Equal(t, RunStatusFailed, job.LastStatus)
}

func TestJobTimeout(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	cfg := DefaultEngineConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	engine, _ := newTestEngine(t, db, cfg)

	require.NoError(t, engine.Register(Definition{
		ID:   "slow-job",
		Name: "Slow Job",
		Cron: "0 6 * * *",
		Handler: &stubHandler{id: "slow-job", fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}))

	result, err := engine.RunNow("slow-job")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")

	job, err := engine.store.GetJob("slow-job")
	require.NoError(t, err)
	assert.False(t, job.Running)
	assert.Equal(t, RunStatusFailed, job.LastStatus)
}

func TestEscalationToDeadLetter(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:         "doomed-job",
		Name:       "Doomed Job",
		Cron:       "0 6 * * *",
		MaxRetries: 2,
		Handler:    &stubHandler{id: "doomed-job", fn: func(ctx context.Context) error { return errors.New("always fails") }},
	}))

	// First failure: below budget, still active
	_, err := engine.RunNow("doomed-job")
	require.NoError(t, err)

	job, err := engine.store.GetJob("doomed-job")
	require.NoError(t, err)
	assert.True(t, job.IsActive)
	_, err = engine.deadLetter.GetByJob("doomed-job")
	assert.True(t, errors.IsNotFoundError(err))

	// Second consecutive failure exhausts the budget
	_, err = engine.RunNow("doomed-job")
	require.NoError(t, err)

	job, err = engine.store.GetJob("doomed-job")
	require.NoError(t, err)
	assert.False(t, job.IsActive, "escalated job is deactivated")
	assert.Nil(t, job.NextRun)

	entry, err := engine.deadLetter.GetByJob("doomed-job")
	require.NoError(t, err)
	assert.Equal(t, "doomed-job", entry.JobID)
	assert.Equal(t, 2, entry.RetryCount)
	assert.Contains(t, entry.Error, "always fails")
}

func TestSuccessResetsEscalationStreak(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	shouldFail := true
	require.NoError(t, engine.Register(Definition{
		ID:         "flaky-job",
		Name:       "Flaky Job",
		Cron:       "0 6 * * *",
		MaxRetries: 2,
		Handler: &stubHandler{id: "flaky-job", fn: func(ctx context.Context) error {
			if shouldFail {
				return errors.New("transient")
			}
			return nil
		}},
	}))

	_, err := engine.RunNow("flaky-job")
	require.NoError(t, err)

	shouldFail = false
	_, err = engine.RunNow("flaky-job")
	require.NoError(t, err)

	shouldFail = true
	_, err = engine.RunNow("flaky-job")
	require.NoError(t, err)

	// fail, success, fail: streak is 1, never reached the budget of 2
	job, err := engine.store.GetJob("flaky-job")
	require.NoError(t, err)
	assert.True(t, job.IsActive)
	assert.Equal(t, 1, job.ConsecutiveFails)
	assert.Equal(t, 3, job.RunCount)
	assert.Equal(t, 2, job.FailCount)
}

func TestRetryDeadLetter(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:         "revived-job",
		Name:       "Revived Job",
		Cron:       "0 6 * * *",
		MaxRetries: 1,
		Handler:    &stubHandler{id: "revived-job", fn: func(ctx context.Context) error { return errors.New("down") }},
	}))

	_, err := engine.RunNow("revived-job")
	require.NoError(t, err)

	job, err := engine.store.GetJob("revived-job")
	require.NoError(t, err)
	require.False(t, job.IsActive)

	revived, err := engine.RetryDeadLetter("revived-job")
	require.NoError(t, err)
	assert.True(t, revived.IsActive)
	require.NotNil(t, revived.NextRun)

	// Fresh escalation budget
	fresh, err := engine.store.GetJob("revived-job")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.ConsecutiveFails)

	// Entry removed; retrying again is a 404
	_, err = engine.deadLetter.GetByJob("revived-job")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = engine.RetryDeadLetter("revived-job")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClearDeadLetter(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	for _, id := range []string{"dead-a", "dead-b"} {
		require.NoError(t, engine.Register(Definition{
			ID:         id,
			Name:       id,
			Cron:       "0 6 * * *",
			MaxRetries: 1,
			Handler:    &stubHandler{id: id, fn: func(ctx context.Context) error { return errors.New("down") }},
		}))
		_, err := engine.RunNow(id)
		require.NoError(t, err)
	}

	entries, err := engine.deadLetter.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	removed, err := engine.ClearDeadLetter()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err = engine.deadLetter.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Clearing does not reactivate the jobs
	job, err := engine.store.GetJob("dead-a")
	require.NoError(t, err)
	assert.False(t, job.IsActive)
}

func TestToggle(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	require.NoError(t, engine.Register(Definition{
		ID:      "toggle-job",
		Name:    "Toggle Job",
		Cron:    "0 6 * * *",
		Handler: &stubHandler{id: "toggle-job", fn: func(ctx context.Context) error { return nil }},
	}))

	job, err := engine.Toggle("toggle-job", false)
	require.NoError(t, err)
	assert.False(t, job.IsActive)
	assert.Nil(t, job.NextRun)

	job, err = engine.Toggle("toggle-job", true)
	require.NoError(t, err)
	assert.True(t, job.IsActive)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now()))

	_, err = engine.Toggle("missing", true)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStopDoesNotInterruptRunningJob(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	engine, _ := newTestEngine(t, db, DefaultEngineConfig())

	var startedOnce sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, engine.Register(Definition{
		ID:   "steady-job",
		Name: "Steady Job",
		Cron: "0 6 * * *",
		Handler: &stubHandler{id: "steady-job", fn: func(ctx context.Context) error {
			startedOnce.Do(func() { close(started) })
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	}))

	require.NoError(t, engine.Start())

	resultCh := make(chan *RunResult, 1)
	go func() {
		result, err := engine.RunNow("steady-job")
		if err == nil {
			resultCh <- result
		}
	}()

	<-started
	engine.Stop()

	// The stop cancellation has propagated by now; a handler whose context
	// were cancelled would have returned ctx.Err() already
	close(release)

	select {
	case result := <-resultCh:
		assert.True(t, result.Success, "stop only prevents new fires")
		assert.Empty(t, result.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}

	job, err := engine.store.GetJob("steady-job")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, job.LastStatus)
	assert.Equal(t, 0, job.FailCount)
	assert.Equal(t, 0, job.ConsecutiveFails)

	// Manual triggers still run to completion on a stopped engine
	result, err := engine.RunNow("steady-job")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestTickRunsDueJobs(t *testing.T) {
	db := diwantest.CreateTestDB(t)
	cfg := DefaultEngineConfig()
	cfg.TickInterval = 20 * time.Millisecond
	engine, _ := newTestEngine(t, db, cfg)

	done := make(chan struct{})
	var once sync.Once
	require.NoError(t, engine.Register(Definition{
		ID:   "tick-job",
		Name: "Tick Job",
		Cron: "* * * * *",
		Handler: &stubHandler{id: "tick-job", fn: func(ctx context.Context) error {
			once.Do(func() { close(done) })
			return nil
		}},
	}))

	// Force the job to be due immediately
	past := time.Now().Add(-1 * time.Minute)
	require.NoError(t, engine.store.SetActive("tick-job", true, &past))

	require.NoError(t, engine.Start())
	assert.True(t, engine.Running())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not picked up by the tick loop")
	}

	engine.Stop()
	assert.False(t, engine.Running())
}
