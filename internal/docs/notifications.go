package docs

import (
	"context"

	"go.uber.org/zap"
)

// Notification kinds delivered to individual users.
const (
	// NotificationKindMergeApproved tells a submitter their branch reached main.
	NotificationKindMergeApproved = "merge-approved"
	// NotificationKindMergeRejected tells a submitter their merge request was
	// declined, with the owner's note.
	NotificationKindMergeRejected = "merge-rejected"
)

// Notification is a direct message to one user about something that happened
// to their work. Unlike events it targets a user, not a document topic, so it
// reaches submitters who are not watching any stream.
type Notification struct {
	UserID   string
	Kind     string
	Title    string
	Body     string
	Link     string
	Metadata map[string]string
}

// NotificationSink delivers notifications. Notify must not block the calling
// operation; delivery is best effort and failures are the sink's problem.
type NotificationSink interface {
	Notify(ctx context.Context, notification Notification)
}

// LoggingNotificationSink writes notifications to the log. It is the default
// sink when no delivery channel is configured.
type LoggingNotificationSink struct {
	logger *zap.Logger
}

// NewLoggingNotificationSink wraps a logger as a notification sink.
func NewLoggingNotificationSink(logger *zap.Logger) *LoggingNotificationSink {
	if logger == nil {
		logger = noOpLogger
	}
	return &LoggingNotificationSink{logger: logger}
}

// Notify implements NotificationSink.
func (s *LoggingNotificationSink) Notify(_ context.Context, notification Notification) {
	s.logger.Info("user notification",
		zap.String("user_id", notification.UserID),
		zap.String("kind", notification.Kind),
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.String("link", notification.Link),
		zap.Any("metadata", notification.Metadata))
}
