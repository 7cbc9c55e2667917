package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	diwantest "github.com/diwan-erp/diwan/internal/testing"
	"github.com/diwan-erp/diwan/notify"
)

func insertDocument(t *testing.T, db *sql.DB, id, name, nameAr, docType string, expiry time.Time, notified bool) {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO documents (id, employee_name, employee_name_ar, doc_type, doc_number, expiry_date, notified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, nameAr, docType, "DOC-"+id, expiry.Format("2006-01-02"), notified, now, now)
	require.NoError(t, err)
}

func TestExpiryScan(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	store := notify.NewStore(db)
	queue := notify.NewQueue(store, notify.NewLogSender(zap.NewNop().Sugar()), notify.DefaultQueueConfig(), zap.NewNop().Sugar())

	now := time.Now()
	insertDocument(t, db, "doc-soon", "Ahmed Hassan", "أحمد حسن", "iqama", now.AddDate(0, 0, 10), false)
	insertDocument(t, db, "doc-edge", "Sara Ali", "سارة علي", "passport", now.AddDate(0, 0, 29), false)
	insertDocument(t, db, "doc-far", "Omar Khalid", "عمر خالد", "health_card", now.AddDate(0, 0, 90), false)
	insertDocument(t, db, "doc-done", "Lina Fawzi", "لينا فوزي", "iqama", now.AddDate(0, 0, 5), true)

	job := NewExpiryScanJob(db, queue, "Admin", "admin@example.com", 30, zap.NewNop().Sugar())
	assert.Equal(t, ExpiryScanJobID, job.Name())

	require.NoError(t, job.Run(context.Background()))

	// Two documents inside the window and not yet notified
	pending, err := store.List(notify.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	subjects := pending[0].Subject + " " + pending[1].Subject
	subjectsAr := pending[0].SubjectAr + " " + pending[1].SubjectAr
	assert.Contains(t, subjects, "Ahmed Hassan")
	assert.Contains(t, subjects, "Sara Ali")
	assert.NotContains(t, subjects, "Omar Khalid", "outside the window")
	assert.NotContains(t, subjects, "Lina Fawzi", "already notified")
	assert.Contains(t, subjectsAr, "أحمد حسن")
	assert.Contains(t, subjectsAr, "الإقامة")

	for _, n := range pending {
		assert.Equal(t, "admin@example.com", n.RecipientEmail)
	}

	// Documents are marked so a second scan enqueues nothing new
	require.NoError(t, job.Run(context.Background()))
	pending, err = store.List(notify.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestExpiryScanEmpty(t *testing.T) {
	db := diwantest.CreateTestDB(t)

	queue := notify.NewQueue(notify.NewStore(db), notify.NewLogSender(zap.NewNop().Sugar()), notify.DefaultQueueConfig(), zap.NewNop().Sugar())
	job := NewExpiryScanJob(db, queue, "Admin", "admin@example.com", 30, zap.NewNop().Sugar())

	assert.NoError(t, job.Run(context.Background()))
}
