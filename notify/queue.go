package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/diwan-erp/diwan/db"
	"github.com/diwan-erp/diwan/errors"
)

// QueueConfig contains configuration for the delivery queue
type QueueConfig struct {
	PollInterval     time.Duration // How often to poll for deliverable notifications (default: 5 seconds)
	RetryBackoffBase time.Duration // First retry delay, doubled per attempt (default: 1 minute)
	MaxRetryBackoff  time.Duration // Ceiling for the doubled delay (default: 1 hour)
	SendTimeout      time.Duration // Per-delivery timeout (default: 30 seconds)
	RatePerSecond    float64       // Delivery rate limit (default: 5/s)
	MaxAttempts      int           // Attempt budget per notification (default: 5)
}

// DefaultQueueConfig returns sensible defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:     5 * time.Second,
		RetryBackoffBase: 1 * time.Minute,
		MaxRetryBackoff:  1 * time.Hour,
		SendTimeout:      30 * time.Second,
		RatePerSecond:    5,
		MaxAttempts:      DefaultMaxAttempts,
	}
}

// QueueStats is a snapshot of the queue state for the dashboard
type QueueStats struct {
	IsRunning  bool `json:"isRunning"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Dead       int  `json:"dead"`
}

// Queue drains pending notifications through a Sender.
//
// A single worker goroutine polls the store, claims one notification at
// a time, and delivers it under a rate limiter. Failed deliveries are
// retried with exponential backoff until the attempt budget is spent,
// then parked in the dead state for operator review.
type Queue struct {
	store   *Store
	sender  Sender
	config  QueueConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	parent context.Context
	wg     sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewQueue creates a delivery queue with a background parent context
func NewQueue(store *Store, sender Sender, cfg QueueConfig, logger *zap.SugaredLogger) *Queue {
	return NewQueueWithContext(context.Background(), store, sender, cfg, logger)
}

// NewQueueWithContext creates a delivery queue with a parent context
func NewQueueWithContext(ctx context.Context, store *Store, sender Sender, cfg QueueConfig, logger *zap.SugaredLogger) *Queue {
	defaults := DefaultQueueConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	queueCtx, cancel := context.WithCancel(ctx)

	return &Queue{
		store:   store,
		sender:  sender,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  logger,
		parent:  ctx,
		ctx:     queueCtx,
		cancel:  cancel,
	}
}

// runContext returns the context governing the current worker lifecycle.
// Replaced on every Start so the queue can be stopped and restarted via
// the control API.
func (q *Queue) runContext() context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ctx
}

// Enqueue persists a notification for delivery.
// Enqueueing works whether or not the worker is running; drained on the
// next poll once started. The queue owns delivery policy, so the
// configured attempt budget applies to everything it accepts.
func (q *Queue) Enqueue(n *Notification) error {
	if n.RecipientEmail == "" {
		return errors.NewInvalidRequestError("notification has no recipient")
	}
	if n.Subject == "" && n.SubjectAr == "" {
		return errors.NewInvalidRequestError("notification has no subject")
	}
	n.MaxAttempts = q.config.MaxAttempts

	if err := q.store.Create(n); err != nil {
		return err
	}

	q.logger.Debugw("Notification enqueued",
		"notification_id", n.ID,
		"recipient", n.RecipientEmail)
	return nil
}

// Start begins the delivery worker. Claims stranded by a previous
// process are released first.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("notification queue already started")
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(q.parent)
	ctx := q.ctx
	q.mu.Unlock()

	released, err := q.store.ReleaseStaleClaims()
	if err != nil {
		return errors.Wrap(err, "failed to release stale notification claims")
	}
	if released > 0 {
		q.logger.Warnw("Released stale notification claims from previous run", "count", released)
	}

	q.wg.Add(1)
	go q.run(ctx)
	q.logger.Infow("Notification queue started",
		"poll_interval", q.config.PollInterval,
		"rate_per_second", q.config.RatePerSecond)

	return nil
}

// Stop gracefully stops the worker, waiting up to 30 seconds for the
// in-flight delivery to finish its bookkeeping.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Infow("Notification queue stopped")
	case <-time.After(30 * time.Second):
		q.logger.Warnw("Notification queue stop timed out")
	}
}

// Running reports whether the delivery worker is active
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stats returns a snapshot of queue counts by status
func (q *Queue) Stats() (*QueueStats, error) {
	counts, err := q.store.Counts()
	if err != nil {
		return nil, err
	}

	return &QueueStats{
		IsRunning:  q.Running(),
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Sent:       counts[StatusSent],
		Failed:     counts[StatusFailed],
		Dead:       counts[StatusDead],
	}, nil
}

// RetryDead moves one dead notification back to pending with a fresh
// attempt budget.
func (q *Queue) RetryDead(id string) error {
	if err := q.store.Requeue(id); err != nil {
		return err
	}
	q.logger.Infow("Dead notification requeued", "notification_id", id)
	return nil
}

// RetryAllDead requeues every dead notification. Returns the number
// requeued.
func (q *Queue) RetryAllDead() (int, error) {
	requeued, err := q.store.RequeueAllDead()
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		q.logger.Infow("Dead notifications requeued", "count", requeued)
	}
	return requeued, nil
}

// run is the delivery worker loop
func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain()
		}
	}
}

// drain claims and delivers notifications until nothing is deliverable
// or the queue is stopped.
func (q *Queue) drain() {
	ctx := q.runContext()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		n, err := q.store.ClaimNext(ctx, time.Now())
		if err != nil {
			// Shutdown closes the database while the worker may still be
			// mid-poll; not worth an error log
			if !db.IsDatabaseClosed(err) && !errors.Is(err, context.Canceled) {
				q.logger.Errorw("Failed to claim notification", "error", err)
			}
			return
		}
		if n == nil {
			return
		}

		q.deliver(n)
	}
}

// deliver attempts one delivery and records the outcome. The send runs
// under the parent context, not the worker lifecycle one: stopping the
// queue keeps new claims from starting but lets the in-flight delivery
// finish instead of aborting it and burning an attempt.
func (q *Queue) deliver(n *Notification) {
	sendCtx, cancel := context.WithTimeout(q.parent, q.config.SendTimeout)
	defer cancel()

	err := q.sender.Send(sendCtx, n)
	if err == nil {
		if err := q.store.MarkSent(n.ID, time.Now()); err != nil {
			q.logger.Errorw("Failed to mark notification sent", "notification_id", n.ID, "error", err)
		}
		q.logger.Infow("Notification sent",
			"notification_id", n.ID,
			"recipient", n.RecipientEmail,
			"attempts", n.Attempts)
		return
	}

	backoff := q.backoffFor(n.Attempts)
	if markErr := q.store.MarkFailed(n.ID, err.Error(), time.Now().Add(backoff)); markErr != nil {
		q.logger.Errorw("Failed to mark notification failed", "notification_id", n.ID, "error", markErr)
		return
	}

	if n.Attempts >= n.MaxAttempts {
		q.logger.Warnw("Notification dead-lettered",
			"notification_id", n.ID,
			"recipient", n.RecipientEmail,
			"attempts", n.Attempts,
			"error", err)
	} else {
		q.logger.Warnw("Notification delivery failed, will retry",
			"notification_id", n.ID,
			"attempts", n.Attempts,
			"max_attempts", n.MaxAttempts,
			"next_attempt_in", backoff,
			"error", err)
	}
}

// backoffFor returns the retry delay after the given attempt number:
// base * 2^(attempts-1), capped at MaxRetryBackoff.
func (q *Queue) backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	backoff := q.config.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= q.config.MaxRetryBackoff {
			return q.config.MaxRetryBackoff
		}
	}
	return backoff
}
