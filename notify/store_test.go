package notify

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diwan-erp/diwan/errors"
	diwantest "github.com/diwan-erp/diwan/internal/testing"
)

func TestCreateAndGet(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)

	n := NewNotification(
		"Document expiring soon",
		"وثيقة على وشك الانتهاء",
		"Iqama for Ahmed expires in 30 days",
		"Ahmed",
		"ahmed@example.com",
	)
	require.NoError(t, store.Create(n))

	retrieved, err := store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Subject, retrieved.Subject)
	assert.Equal(t, n.SubjectAr, retrieved.SubjectAr)
	assert.Equal(t, StatusPending, retrieved.Status)
	assert.Equal(t, 0, retrieved.Attempts)
	assert.Equal(t, DefaultMaxAttempts, retrieved.MaxAttempts)
	assert.Nil(t, retrieved.SentAt)
	assert.Nil(t, retrieved.NextAttemptAt)
}

func TestGetNotFound(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)

	_, err := store.Get("no-such-notification")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimNext(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	// Nothing to claim on an empty queue
	n, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, n)

	first := NewNotification("First", "", "body", "A", "a@example.com")
	second := NewNotification("Second", "", "body", "B", "b@example.com")
	// Force deterministic ordering by created_at
	first.CreatedAt = time.Now().Add(-2 * time.Minute)
	second.CreatedAt = time.Now().Add(-1 * time.Minute)
	require.NoError(t, store.Create(first))
	require.NoError(t, store.Create(second))

	// Oldest pending claimed first, moved to processing with attempts bumped
	claimed, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// A processing notification is not claimable again
	claimed2, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	claimed3, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestClaimNextRespectsBackoff(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()
	now := time.Now()

	n := NewNotification("Flaky", "", "body", "A", "a@example.com")
	require.NoError(t, store.Create(n))

	claimed, err := store.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Fails with a 10 minute backoff
	require.NoError(t, store.MarkFailed(n.ID, "smtp timeout", now.Add(10*time.Minute)))

	// Not claimable before the backoff elapses
	early, err := store.ClaimNext(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, early)

	// Claimable after
	late, err := store.ClaimNext(ctx, now.Add(11*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, late)
	assert.Equal(t, n.ID, late.ID)
	assert.Equal(t, 2, late.Attempts)
}

func TestMarkSent(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	n := NewNotification("Sent", "", "body", "A", "a@example.com")
	require.NoError(t, store.Create(n))

	claimed, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	sentAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.MarkSent(n.ID, sentAt))

	retrieved, err := store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, retrieved.Status)
	require.NotNil(t, retrieved.SentAt)
	assert.Equal(t, sentAt, retrieved.SentAt.UTC())
	assert.Empty(t, retrieved.LastError)
}

func TestMarkFailedExhaustsBudget(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	n := NewNotification("Doomed", "", "body", "A", "a@example.com")
	n.MaxAttempts = 2
	require.NoError(t, store.Create(n))

	// Attempt 1: failed, retryable
	_, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(n.ID, "refused", time.Now().Add(-1*time.Second)))

	retrieved, err := store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, retrieved.Status)
	assert.Equal(t, 1, retrieved.Attempts)
	require.NotNil(t, retrieved.NextAttemptAt)

	// Attempt 2: budget spent, dead
	_, err = store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(n.ID, "refused again", time.Now().Add(1*time.Minute)))

	retrieved, err = store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, retrieved.Status)
	assert.Equal(t, 2, retrieved.Attempts)
	assert.Equal(t, "refused again", retrieved.LastError)
	assert.Nil(t, retrieved.NextAttemptAt, "dead notifications never auto-retry")

	// Dead is not claimable
	claimed, err := store.ClaimNext(ctx, time.Now().Add(1*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCounts(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	counts, err := store.Counts()
	require.NoError(t, err)
	for _, status := range []string{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDead} {
		assert.Equal(t, 0, counts[status], "empty queue should report zero %s", status)
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(NewNotification("N", "", "body", "A", "a@example.com")))
	}
	sent := NewNotification("S", "", "body", "A", "a@example.com")
	require.NoError(t, store.Create(sent))
	_, err = store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(sent.ID, time.Now()))

	counts, err = store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusSent])

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 4, total, "per-status counts must sum to the total")
}

func TestRequeue(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	n := NewNotification("Dead", "", "body", "A", "a@example.com")
	n.MaxAttempts = 1
	require.NoError(t, store.Create(n))

	_, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(n.ID, "down", time.Now()))

	retrieved, err := store.Get(n.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDead, retrieved.Status)

	// Requeue resets the budget
	require.NoError(t, store.Requeue(n.ID))

	retrieved, err = store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retrieved.Status)
	assert.Equal(t, 0, retrieved.Attempts)
	assert.Empty(t, retrieved.LastError)

	// Requeueing a non-dead notification is rejected
	err = store.Requeue(n.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	// Missing notification is a not-found
	err = store.Requeue("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRequeueAllDead(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n := NewNotification("Dead", "", "body", "A", "a@example.com")
		n.MaxAttempts = 1
		require.NoError(t, store.Create(n))
		_, err := store.ClaimNext(ctx, time.Now())
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(n.ID, "down", time.Now()))
	}

	requeued, err := store.RequeueAllDead()
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 0, counts[StatusDead])
}

func TestReleaseStaleClaims(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := NewStore(db)
	ctx := context.Background()

	n := NewNotification("Stranded", "", "body", "A", "a@example.com")
	require.NoError(t, store.Create(n))
	_, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)

	released, err := store.ReleaseStaleClaims()
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	retrieved, err := store.Get(n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retrieved.Status)
}

func TestCountsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM notifications`).
		WillReturnError(errors.New("disk I/O error"))

	store := NewStore(db)
	_, err = store.Counts()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to count notifications")
	assert.NoError(t, mock.ExpectationsWereMet())
}
