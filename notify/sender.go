package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers one notification to its recipient.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation; a delivery cut off by shutdown is retried on restart.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
// Used in development and as the default until an SMTP or push gateway
// is configured.
type LogSender struct {
	logger *zap.SugaredLogger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.SugaredLogger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the notification and reports success
func (s *LogSender) Send(_ context.Context, n *Notification) error {
	s.logger.Infow("Notification delivered (log sender)",
		"notification_id", n.ID,
		"recipient", n.RecipientEmail,
		"subject", n.Subject,
		"subject_ar", n.SubjectAr)
	return nil
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, n *Notification) error

// Send calls f(ctx, n)
func (f SenderFunc) Send(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}
