// Package jobs contains the scheduled job handlers registered at startup:
// the document expiry scan and the daily operations digest.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/notify"
)

// ExpiryScanJobID is the registered scheduler ID of the expiry scan
const ExpiryScanJobID = "document-expiry-scan"

// DefaultExpiryWindowDays is how far ahead the scan looks for expiring
// documents
const DefaultExpiryWindowDays = 30

// expiringDocument is one row picked up by the scan
type expiringDocument struct {
	ID             string
	EmployeeName   string
	EmployeeNameAr string
	DocType        string
	DocNumber      string
	ExpiryDate     time.Time
}

// ExpiryScanJob scans employee documents (iqamas, passports, health
// cards) nearing expiry and enqueues a bilingual notification for each.
// Documents are marked notified so repeat scans stay quiet about them.
type ExpiryScanJob struct {
	db         *sql.DB
	queue      *notify.Queue
	adminName  string
	adminEmail string
	windowDays int
	logger     *zap.SugaredLogger
}

// NewExpiryScanJob creates the expiry scan handler
func NewExpiryScanJob(db *sql.DB, queue *notify.Queue, adminName, adminEmail string, windowDays int, logger *zap.SugaredLogger) *ExpiryScanJob {
	if windowDays <= 0 {
		windowDays = DefaultExpiryWindowDays
	}
	return &ExpiryScanJob{
		db:         db,
		queue:      queue,
		adminName:  adminName,
		adminEmail: adminEmail,
		windowDays: windowDays,
		logger:     logger,
	}
}

// Name returns the scheduler job ID
func (j *ExpiryScanJob) Name() string {
	return ExpiryScanJobID
}

// Run performs one scan. Each document is notified and marked
// independently, so one bad row never blocks the rest; the run fails
// only when no progress at all could be made.
func (j *ExpiryScanJob) Run(ctx context.Context) error {
	docs, err := j.listExpiring(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list expiring documents")
	}

	if len(docs) == 0 {
		j.logger.Debugw("Expiry scan found nothing due", "window_days", j.windowDays)
		return nil
	}

	notified := 0
	var lastErr error
	for _, doc := range docs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.notifyDocument(doc); err != nil {
			j.logger.Errorw("Failed to notify expiring document",
				"document_id", doc.ID,
				"error", err)
			lastErr = err
			continue
		}

		if err := j.markNotified(ctx, doc.ID); err != nil {
			j.logger.Errorw("Failed to mark document notified",
				"document_id", doc.ID,
				"error", err)
			lastErr = err
			continue
		}
		notified++
	}

	j.logger.Infow("Expiry scan complete",
		"expiring", len(docs),
		"notified", notified,
		"window_days", j.windowDays)

	if notified == 0 && lastErr != nil {
		return errors.Wrap(lastErr, "expiry scan made no progress")
	}
	return nil
}

func (j *ExpiryScanJob) listExpiring(ctx context.Context) ([]*expiringDocument, error) {
	cutoff := time.Now().AddDate(0, 0, j.windowDays).UTC().Format("2006-01-02")

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, employee_name, employee_name_ar, doc_type, doc_number, expiry_date
		FROM documents
		WHERE notified = 0 AND expiry_date <= ?
		ORDER BY expiry_date ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*expiringDocument
	for rows.Next() {
		var doc expiringDocument
		var expiry string
		if err := rows.Scan(&doc.ID, &doc.EmployeeName, &doc.EmployeeNameAr, &doc.DocType, &doc.DocNumber, &expiry); err != nil {
			return nil, err
		}
		doc.ExpiryDate, err = time.Parse("2006-01-02", expiry)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse expiry_date for document %s", doc.ID)
		}
		docs = append(docs, &doc)
	}

	return docs, rows.Err()
}

func (j *ExpiryScanJob) notifyDocument(doc *expiringDocument) error {
	daysLeft := int(time.Until(doc.ExpiryDate).Hours() / 24)
	expiry := doc.ExpiryDate.Format("2006-01-02")

	subject := fmt.Sprintf("%s expiring soon: %s", docTypeLabel(doc.DocType), doc.EmployeeName)
	subjectAr := fmt.Sprintf("%s على وشك الانتهاء: %s", docTypeLabelAr(doc.DocType), doc.EmployeeNameAr)
	body := fmt.Sprintf("%s %s for %s expires on %s (%d days left).",
		docTypeLabel(doc.DocType), doc.DocNumber, doc.EmployeeName, expiry, daysLeft)

	n := notify.NewNotification(subject, subjectAr, body, j.adminName, j.adminEmail)
	return j.queue.Enqueue(n)
}

func (j *ExpiryScanJob) markNotified(ctx context.Context, docID string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE documents
		SET notified = 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), docID)
	return err
}

func docTypeLabel(docType string) string {
	switch docType {
	case "iqama":
		return "Iqama"
	case "passport":
		return "Passport"
	case "health_card":
		return "Health card"
	case "contract":
		return "Contract"
	default:
		return "Document"
	}
}

func docTypeLabelAr(docType string) string {
	switch docType {
	case "iqama":
		return "الإقامة"
	case "passport":
		return "جواز السفر"
	case "health_card":
		return "البطاقة الصحية"
	case "contract":
		return "العقد"
	default:
		return "الوثيقة"
	}
}
